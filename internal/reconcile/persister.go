package reconcile

import (
	"context"
	"slices"

	"github.com/user/cutroom/internal/types"
)

// Persister turns conversation writes into outbox jobs. Appends are
// fire-and-forget: callers discard the returned channel on purpose, which
// accepts losing that one write if it fails.
type Persister struct {
	svc    types.ConversationService
	outbox *Outbox
}

func NewPersister(svc types.ConversationService, outbox *Outbox) *Persister {
	return &Persister{svc: svc, outbox: outbox}
}

// AppendMessage queues a single-message append with the current session metadata.
func (p *Persister) AppendMessage(id types.ProjectID, msg types.Message, meta types.SessionMeta) <-chan error {
	return p.outbox.Enqueue(&Job{
		ProjectID: id,
		Name:      "append",
		Do: func(ctx context.Context) error {
			return p.svc.SaveConversationMessage(ctx, id, msg, meta)
		},
	})
}

// ReplaceMessages queues a full replace of the server's log. It runs after
// every append already queued for the project.
func (p *Persister) ReplaceMessages(id types.ProjectID, msgs []types.Message, meta types.SessionMeta) <-chan error {
	msgs = slices.Clone(msgs)
	return p.outbox.Enqueue(&Job{
		ProjectID: id,
		Name:      "replace",
		Do: func(ctx context.Context) error {
			return p.svc.ReplaceConversationMessages(ctx, id, msgs, meta)
		},
	})
}
