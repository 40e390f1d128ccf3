package sync

import (
	"context"
	"log/slog"

	"github.com/schaermu/templatesync/internal/crashreport"
)

// EventKind classifies a workflow transition.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventSucceed EventKind = "succeed"
	EventFail    EventKind = "fail"
	EventInfo    EventKind = "info"
	EventChange  EventKind = "change"
)

// Event is one recorded workflow transition.
type Event struct {
	Kind    EventKind
	Message string
}

func (e Event) String() string {
	return string(e.Kind) + ": " + e.Message
}

type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// Session is the state of one Run.
type Session struct {
	Cwd                  string
	BaseVersion          string
	TargetVersion        string
	TemplateName         string
	OriginalBranch       string
	SyncBranchPreexisted bool
	// CommitHistory lists the original branch, newest first. It is only
	// captured when the staging branch is created.
	CommitHistory []string
	ModifiedFiles []string
	Events        []Event

	compensations []compensation
}

func (s *Session) record(kind EventKind, msg string) {
	s.Events = append(s.Events, Event{Kind: kind, Message: msg})
}

// register pushes an undo action.
func (s *Session) register(name string, undo func(ctx context.Context) error) {
	s.compensations = append(s.compensations, compensation{name: name, undo: undo})
}

// rollback pops and runs every registered undo action, newest first. A
// failing action is logged and does not stop the rest. Each action runs
// at most once.
func (s *Session) rollback(ctx context.Context, logger *slog.Logger) {
	for len(s.compensations) > 0 {
		last := len(s.compensations) - 1
		c := s.compensations[last]
		s.compensations = s.compensations[:last]

		logger.Info("rolling back", "step", c.name)
		if err := c.undo(ctx); err != nil {
			logger.Warn("rollback step failed", "step", c.name, "error", err)
		}
	}
}

// latestCommit is the newest commit of the original branch.
func (s *Session) latestCommit() string {
	if len(s.CommitHistory) == 0 {
		return ""
	}
	return s.CommitHistory[0]
}

// firstCommit is the oldest commit of the original branch.
func (s *Session) firstCommit() string {
	if len(s.CommitHistory) == 0 {
		return ""
	}
	return s.CommitHistory[len(s.CommitHistory)-1]
}

// CrashInfo returns the session state written to a crash report.
func (s *Session) CrashInfo() crashreport.Info {
	events := make([]string, len(s.Events))
	for i, e := range s.Events {
		events[i] = e.String()
	}
	return crashreport.Info{
		Cwd:           s.Cwd,
		TemplateName:  s.TemplateName,
		TargetVersion: s.TargetVersion,
		CommitHistory: s.CommitHistory,
		Events:        events,
	}
}
