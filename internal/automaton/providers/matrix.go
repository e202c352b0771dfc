package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig configures the Matrix-backed social relay adapter.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// matrixSocial implements Social over a Matrix homeserver. Poll is a
// non-blocking incremental sync from the stored cursor; Send resolves (and
// caches) a direct room per counterparty.
type matrixSocial struct {
	client *mautrix.Client
	userID id.UserID

	mu      sync.Mutex
	dmRooms map[string]id.RoomID
}

// NewMatrixSocial returns a Social backed by a Matrix homeserver.
func NewMatrixSocial(cfg MatrixConfig) (Social, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("social: create matrix client: %w", err)
	}
	return &matrixSocial{
		client:  client,
		userID:  id.UserID(cfg.UserID),
		dmRooms: make(map[string]id.RoomID),
	}, nil
}

// Poll performs one incremental sync and flattens message events across all
// joined rooms. The returned cursor is the homeserver's next_batch token.
func (m *matrixSocial) Poll(ctx context.Context, cursor string) (*PollResult, error) {
	resp, err := m.client.FullSyncRequest(ctx, mautrix.ReqSync{
		Since:   cursor,
		Timeout: 1000, // milliseconds; short-poll so the heartbeat owns the cadence
	})
	if err != nil {
		return nil, &Error{Op: "social: sync", Err: err}
	}

	out := &PollResult{NextCursor: resp.NextBatch}
	for roomID, room := range resp.Rooms.Join {
		for _, evt := range room.Timeline.Events {
			if evt.Type != event.EventMessage || evt.Sender == m.userID {
				continue
			}
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				continue
			}
			msg := evt.Content.AsMessage()
			if msg == nil || msg.Body == "" {
				continue
			}
			m.rememberRoom(evt.Sender.String(), roomID)
			out.Messages = append(out.Messages, SocialMessage{
				ID:       evt.ID.String(),
				From:     evt.Sender.String(),
				To:       m.userID.String(),
				Content:  msg.Body,
				SignedAt: time.UnixMilli(evt.Timestamp).UTC(),
			})
		}
	}
	return out, nil
}

// Send delivers a text message to the counterparty's direct room, creating
// the room on first contact.
func (m *matrixSocial) Send(ctx context.Context, to, content string) (string, error) {
	roomID, err := m.directRoom(ctx, to)
	if err != nil {
		return "", err
	}
	resp, err := m.client.SendText(ctx, roomID, content)
	if err != nil {
		return "", &Error{Op: "social: send", Err: err}
	}
	return resp.EventID.String(), nil
}

func (m *matrixSocial) rememberRoom(sender string, roomID id.RoomID) {
	m.mu.Lock()
	if _, ok := m.dmRooms[sender]; !ok {
		m.dmRooms[sender] = roomID
	}
	m.mu.Unlock()
}

func (m *matrixSocial) directRoom(ctx context.Context, to string) (id.RoomID, error) {
	m.mu.Lock()
	if roomID, ok := m.dmRooms[to]; ok {
		m.mu.Unlock()
		return roomID, nil
	}
	m.mu.Unlock()

	resp, err := m.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{id.UserID(to)},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", &Error{Op: "social: create direct room", Err: err}
	}

	m.mu.Lock()
	m.dmRooms[to] = resp.RoomID
	m.mu.Unlock()
	return resp.RoomID, nil
}
