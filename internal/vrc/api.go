package vrc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// InviteNotification is a pending "requestInvite" notification.
type InviteNotification struct {
	ID                string `json:"id"`
	SenderID          string `json:"senderId"`
	SenderDisplayName string `json:"senderDisplayName"`
}

type rawNotification struct {
	ID                string `json:"id"`
	AltID             string `json:"_id"`
	Type              string `json:"type"`
	SenderUserID      string `json:"senderUserId"`
	SenderID          string `json:"senderId"`
	UserID            string `json:"userId"`
	SenderDisplayName string `json:"senderDisplayName"`
	SenderUsername    string `json:"senderUsername"`
	DisplayName       string `json:"displayName"`
}

const notificationTypeRequestInvite = "requestInvite"

// ListInviteNotifications returns pending invite requests. Other notification
// types and entries without a sender are dropped.
func (c *Client) ListInviteNotifications(ctx context.Context) ([]InviteNotification, error) {
	var raw []rawNotification
	if err := c.call(ctx, http.MethodGet, "/auth/user/notifications?n=50&offset=0", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]InviteNotification, 0, len(raw))
	for _, n := range raw {
		if n.Type != notificationTypeRequestInvite || n.SenderUserID == "" {
			continue
		}
		out = append(out, InviteNotification{
			ID:                firstNonEmpty(n.ID, n.AltID),
			SenderID:          firstNonEmpty(n.SenderUserID, n.SenderID, n.UserID),
			SenderDisplayName: firstNonEmpty(n.SenderDisplayName, n.SenderUsername, n.DisplayName),
		})
	}
	return out, nil
}

// InviteOptions selects the optional invite message. A non-empty Message
// wins over a message slot.
type InviteOptions struct {
	Message     string
	Slot        *int
	MessageType string
}

type inviteBody struct {
	InstanceID  string `json:"instanceId"`
	Message     string `json:"message,omitempty"`
	MessageSlot *int   `json:"messageSlot,omitempty"`
	MessageType string `json:"messageType,omitempty"`
}

// SendInvite invites userID into location (a world:instance string).
func (c *Client) SendInvite(ctx context.Context, userID, location string, opts InviteOptions) error {
	if userID == "" {
		return validationError("missing user id")
	}
	if location == "" || location == locationOffline {
		return ErrLocationUnresolved
	}
	body := inviteBody{InstanceID: location}
	if msg := strings.TrimSpace(opts.Message); msg != "" {
		body.Message = msg
	} else if opts.Slot != nil {
		slot := *opts.Slot
		body.MessageSlot = &slot
		body.MessageType = opts.MessageType
		if body.MessageType == "" {
			body.MessageType = "message"
		}
	}
	return c.call(ctx, http.MethodPost, "/invite/"+url.PathEscape(userID), body, nil)
}

// HideNotification dismisses a notification.
func (c *Client) HideNotification(ctx context.Context, notificationID string) error {
	if notificationID == "" {
		return validationError("missing notification id")
	}
	return c.call(ctx, http.MethodPut, "/auth/user/notifications/"+url.PathEscape(notificationID)+"/hide", nil, nil)
}

type Friend struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Username          string `json:"username,omitempty"`
	Status            string `json:"status"`
	StatusDescription string `json:"statusDescription"`
	ThumbnailURL      string `json:"thumbnailUrl"`
}

type rawFriend struct {
	ID                    string `json:"id"`
	DisplayName           string `json:"displayName"`
	Username              string `json:"username"`
	Status                string `json:"status"`
	StatusDescription     string `json:"statusDescription"`
	AvatarThumbnailURL    string `json:"currentAvatarThumbnailImageUrl"`
	ProfilePicOverrideURL string `json:"profilePicOverride"`
}

// Friends lists every friend, walking the paginated endpoint.
func (c *Client) Friends(ctx context.Context) ([]Friend, error) {
	raw, err := Paginate(ctx, DefaultPageSize, func(ctx context.Context, offset, limit int) ([]rawFriend, error) {
		var page []rawFriend
		path := fmt.Sprintf("/auth/user/friends?n=%d&offset=%d", limit, offset)
		if err := c.call(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Friend, 0, len(raw))
	for _, f := range raw {
		out = append(out, Friend{
			ID:                f.ID,
			DisplayName:       f.DisplayName,
			Username:          f.Username,
			Status:            firstNonEmpty(f.Status, "offline"),
			StatusDescription: f.StatusDescription,
			ThumbnailURL:      firstNonEmpty(f.AvatarThumbnailURL, f.ProfilePicOverrideURL),
		})
	}
	return out, nil
}

type Presence struct {
	World    string `json:"world"`
	Instance string `json:"instance"`
}

type CurrentUser struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"displayName"`
	Status            string    `json:"status"`
	StatusDescription string    `json:"statusDescription"`
	Location          string    `json:"location"`
	Presence          *Presence `json:"presence,omitempty"`
}

func (c *Client) CurrentUser(ctx context.Context) (*CurrentUser, error) {
	var u CurrentUser
	if err := c.call(ctx, http.MethodGet, "/auth/user", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateStatus sets the user's status and status description.
func (c *Client) UpdateStatus(ctx context.Context, userID, status, description string) error {
	if userID == "" {
		return validationError("missing user id")
	}
	body := map[string]string{"status": status, "statusDescription": description}
	return c.call(ctx, http.MethodPut, "/users/"+url.PathEscape(userID), body, nil)
}

func slotPath(userID, messageType string, slot int) string {
	return "/message/" + url.PathEscape(userID) + "/" + url.PathEscape(messageType) + "/" + strconv.Itoa(slot)
}

// GetMessageSlot fetches one message slot and normalizes the response.
func (c *Client) GetMessageSlot(ctx context.Context, userID, messageType string, slot int) (SlotResult, error) {
	if userID == "" {
		return SlotResult{}, validationError("missing user id")
	}
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, slotPath(userID, messageType, slot), nil, &raw); err != nil {
		return SlotResult{}, err
	}
	return NormalizeSlot(slot, raw)
}

// SetMessageSlot writes slot text. The server answers with the full slot list
// for the message type; it is returned normalized. A 429 naming the remaining
// cooldown is returned at once, since retrying inside it cannot succeed.
func (c *Client) SetMessageSlot(ctx context.Context, userID, messageType string, slot int, text string) ([]SlotResult, error) {
	if userID == "" {
		return nil, validationError("missing user id")
	}
	var raw json.RawMessage
	body := map[string]string{"message": text}
	b := c.backoff()
	b.Final = func(err error) bool {
		_, locked := CooldownMinutes(err)
		return locked
	}
	if err := c.callBackoff(ctx, b, http.MethodPut, slotPath(userID, messageType, slot), body, &raw); err != nil {
		return nil, err
	}
	return NormalizeSlots(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
