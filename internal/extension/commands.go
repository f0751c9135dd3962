package extension

import (
	"context"

	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/host"
)

// Command IDs bound by the extension.
const (
	CommandCleanActiveDocument = "tidysave.cleanActiveDocument"
	CommandToggleCleanOnSave   = "tidysave.toggleCleanOnSave"
)

// commands returns the commands bound at startup, in registration order.
func (e *Extension) commands() []host.Command {
	return []host.Command{
		{
			ID:      CommandCleanActiveDocument,
			Title:   "Tidy: Clean Active Document",
			Handler: e.cleanActiveDocument,
		},
		{
			ID:      CommandToggleCleanOnSave,
			Title:   "Tidy: Toggle Clean on Save",
			Handler: e.toggleCleanOnSave,
		},
	}
}

// cleanActiveDocument runs cleanup on the active document without saving
// it. It ignores the clean-on-save switch.
func (e *Extension) cleanActiveDocument(ctx context.Context, _ map[string]any) error {
	e.mu.Lock()
	docs := e.docs
	e.mu.Unlock()
	if docs == nil {
		return ErrServiceUnavailable
	}

	doc := docs.Active()
	if isNil(doc) {
		return ErrNoActiveDocument
	}

	sc := host.SaveContext{Reason: host.SaveExplicit}
	cleaned, err := e.action.Clean(ctx, doc.Path(), doc.Text(), sc)
	if cleaned != doc.Text() {
		doc.SetText(cleaned)
	}
	e.logger.Info("active document cleaned", zap.String("path", doc.Path()))
	return err
}

func (e *Extension) toggleCleanOnSave(_ context.Context, _ map[string]any) error {
	on := e.action.Toggle()
	e.logger.Info("clean on save toggled", zap.Bool("enabled", on))
	return nil
}
