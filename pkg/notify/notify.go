// Package notify posts operational events to Slack. A nil *Slack is a valid
// no-op notifier, so callers never branch on whether Slack is configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/tally/pkg/ledger"
	"github.com/malbeclabs/tally/pkg/retry"
	"github.com/slack-go/slack"
)

type Slack struct {
	log     *slog.Logger
	api     *slack.Client
	channel string
}

// NewSlack creates a Slack notifier, or nil when token or channel is empty.
func NewSlack(log *slog.Logger, token, channel string) *Slack {
	if token == "" || channel == "" {
		return nil
	}
	return &Slack{
		log:     log,
		api:     slack.New(token),
		channel: channel,
	}
}

// SnapshotBuilt announces a freshly frozen epoch.
func (s *Slack) SnapshotBuilt(ctx context.Context, meta *ledger.EpochSnapshot) {
	if s == nil {
		return
	}
	s.post(ctx, fmt.Sprintf(":deciduous_tree: Epoch snapshot *%d* frozen: %d wallets, root `%s`",
		meta.Epoch, meta.LeavesCount, meta.Root.String()))
}

// SnapshotFailed announces a build failure that needs operator attention.
func (s *Slack) SnapshotFailed(ctx context.Context, epoch uint64, err error) {
	if s == nil {
		return
	}
	s.post(ctx, fmt.Sprintf(":rotating_light: Epoch snapshot *%d* build failed: %v", epoch, err))
}

func (s *Slack) post(ctx context.Context, text string) {
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		_, _, err := s.api.PostMessageContext(ctx, s.channel,
			slack.MsgOptionText(text, false),
			slack.MsgOptionDisableLinkUnfurl(),
		)
		return err
	})
	if err != nil {
		// Notifications are best-effort; the event is already logged by the
		// caller and must not fail the operation.
		s.log.Error("notify: failed to post slack message", "channel", s.channel, "error", err)
	}
}
