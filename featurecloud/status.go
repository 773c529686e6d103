package featurecloud

import (
	"fmt"
	"sort"
	"strings"

	pkgerrors "github.com/absmach/fedsim/pkg/errors"
)

// Status is the lifecycle state of a project as reported by the API.
type Status string

const (
	StatusReady    Status = "ready"
	StatusPrepare  Status = "prepare"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
	StatusFailed   Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// Known reports whether s is one of the documented statuses.
func (s Status) Known() bool {
	switch s {
	case StatusReady, StatusPrepare, StatusRunning, StatusFinished, StatusError, StatusFailed:
		return true
	default:
		return false
	}
}

// Ended reports whether a run has stopped, successfully or not. Unknown
// statuses count as ended.
func (s Status) Ended() bool {
	switch s {
	case StatusReady, StatusPrepare, StatusRunning:
		return false
	default:
		return true
	}
}

// NeedsReset reports whether the project must return to ready before a new
// contribution.
func (s Status) NeedsReset() bool {
	return s == StatusFinished || s == StatusError || s == StatusFailed
}

// Succeeded reports whether a run ended with usable results.
func (s Status) Succeeded() bool {
	return s == StatusFinished
}

// Tool identifiers of FeatureCloud apps that can be bound to a project workflow.
var toolIDs = map[string]int{
	"federated-svd": 85,
	"random-forest": 50,
	"mean-app":      66,
}

// ToolID returns the app id bound to a workflow for the named tool.
func ToolID(name string) (int, error) {
	id, ok := toolIDs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q, available: %s", pkgerrors.ErrUnknownTool, name, strings.Join(Tools(), ", "))
	}

	return id, nil
}

// Tools lists the known tool names in alphabetical order.
func Tools() []string {
	names := make([]string, 0, len(toolIDs))
	for name := range toolIDs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// IsTool reports whether name has a known tool id.
func IsTool(name string) bool {
	_, ok := toolIDs[name]

	return ok
}
