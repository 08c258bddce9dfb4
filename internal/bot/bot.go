// Package bot runs the Matrix side of texbot: it long-polls /sync, joins
// rooms it is invited to and hands "!<command> <formula>" messages to the
// formula dispatcher, one goroutine per command.
package bot

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"texbot/internal/config"
	"texbot/internal/infra/logging"
	"texbot/internal/infra/statestore"
	"texbot/internal/matrix"
)

// syncFilter limits /sync to what the bot reads.
const syncFilter = `{"presence":{"not_types":["*"]},"account_data":{"not_types":["*"]},` +
	`"room":{"timeline":{"types":["m.room.message"]},"state":{"lazy_load_members":true},` +
	`"ephemeral":{"not_types":["*"]},"account_data":{"not_types":["*"]}}}`

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Homeserver is the part of *matrix.Client the sync loop uses.
type Homeserver interface {
	UserID() string
	Sync(ctx context.Context, opts matrix.SyncOptions) (*matrix.SyncResponse, error)
	JoinRoom(ctx context.Context, roomID string) (string, error)
}

// Handler processes one formula command. *tex.Dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, roomID, formula string) error
}

// Bot is the sync loop and command router.
type Bot struct {
	hs       Homeserver
	handler  Handler
	store    statestore.Store
	cfg      config.MatrixConfig
	settings func() config.PluginConfig

	minBackoff time.Duration
	wg         sync.WaitGroup
}

// New builds a bot. settings returns the current plugin snapshot; the
// command word is read from it for every message.
func New(hs Homeserver, handler Handler, store statestore.Store, cfg config.MatrixConfig, settings func() config.PluginConfig) *Bot {
	return &Bot{
		hs:         hs,
		handler:    handler,
		store:      store,
		cfg:        cfg,
		settings:   settings,
		minBackoff: minBackoff,
	}
}

// Run syncs until ctx is canceled, then waits for in-flight commands.
// Without a saved sync position the backlog is skipped.
func (b *Bot) Run(ctx context.Context) error {
	defer b.wg.Wait()

	since, err := b.store.SyncToken(ctx)
	if err != nil {
		logging.Warn("Could not read saved sync position, starting fresh", "error", err)
		since = ""
	}
	if since == "" {
		since, err = b.catchUp(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	logging.Info("Bot started", "user_id", b.hs.UserID(), "since", since)

	failures := 0
	for {
		resp, err := b.hs.Sync(ctx, matrix.SyncOptions{
			Since:   since,
			Timeout: int(b.cfg.SyncTimeout / time.Millisecond),
			Filter:  syncFilter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			delay := b.backoff(err, failures)
			logging.Warn("Sync failed", "error", err, "attempt", failures, "retry_in", delay.String())
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0

		b.process(ctx, resp)
		since = resp.NextBatch
		if err := b.store.SetSyncToken(ctx, since); err != nil && ctx.Err() == nil {
			logging.Warn("Could not save sync position", "error", err)
		}
	}
}

// catchUp performs the initial sync. Pending invites are honoured, messages
// are not.
func (b *Bot) catchUp(ctx context.Context) (string, error) {
	failures := 0
	for {
		resp, err := b.hs.Sync(ctx, matrix.SyncOptions{Filter: syncFilter})
		if err == nil {
			b.joinInvites(ctx, resp)
			return resp.NextBatch, nil
		}
		if ctx.Err() != nil {
			return "", nil
		}
		if matrix.IsError(err, matrix.ErrCodeUnknownToken) {
			return "", err
		}
		failures++
		delay := b.backoff(err, failures)
		logging.Warn("Initial sync failed", "error", err, "attempt", failures, "retry_in", delay.String())
		if !sleep(ctx, delay) {
			return "", nil
		}
	}
}

func (b *Bot) process(ctx context.Context, resp *matrix.SyncResponse) {
	b.joinInvites(ctx, resp)

	self := b.hs.UserID()
	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			if ev.Type != matrix.EventRoomMessage || ev.Sender == self {
				continue
			}
			msg, err := ev.Message()
			if err != nil || msg.MsgType != matrix.MsgText {
				continue
			}
			formula, ok := ParseCommand(msg.Body, b.settings().Command)
			if !ok {
				continue
			}
			if !b.allow(ctx, ev.Sender) {
				logging.Debug("Command ignored during cooldown", "room_id", roomID, "sender", ev.Sender)
				continue
			}
			logging.Debug("Command received", "room_id", roomID, "sender", ev.Sender, "event_id", ev.EventID)
			b.dispatch(ctx, roomID, ev.EventID, formula)
		}
	}
}

func (b *Bot) joinInvites(ctx context.Context, resp *matrix.SyncResponse) {
	if !b.cfg.AutoJoin {
		return
	}
	for roomID := range resp.Rooms.Invite {
		if _, err := b.hs.JoinRoom(ctx, roomID); err != nil {
			logging.Warn("Could not join room", "room_id", roomID, "error", err)
		}
	}
}

func (b *Bot) allow(ctx context.Context, sender string) bool {
	ok, err := b.store.Allow(ctx, sender, b.cfg.CommandCooldown)
	if err != nil {
		logging.Warn("Cooldown check failed, allowing command", "sender", sender, "error", err)
		return true
	}
	return ok
}

// dispatch runs the handler in its own goroutine. A panic is logged and
// does not affect other commands.
func (b *Bot) dispatch(ctx context.Context, roomID, eventID, formula string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Error("Command handler panicked",
					"room_id", roomID,
					"event_id", eventID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		if err := b.handler.Handle(ctx, roomID, formula); err != nil {
			logging.Debug("Command finished with error", "room_id", roomID, "event_id", eventID, "error", err)
		}
	}()
}

func (b *Bot) backoff(err error, attempt int) time.Duration {
	var matrixErr *matrix.Error
	if errors.As(err, &matrixErr) && matrixErr.RetryAfterMs > 0 {
		return time.Duration(matrixErr.RetryAfterMs) * time.Millisecond
	}
	d := b.minBackoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
