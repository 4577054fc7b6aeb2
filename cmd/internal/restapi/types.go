package restapi

import (
	"strings"
)

// LoginResult is what a successful login yields.
type LoginResult struct {
	UserID string
	Token  string
}

// ChatUser is one entry of the conversation list.
type ChatUser struct {
	ID          string
	Name        string
	Avatar      string
	RoomID      string
	LastMessage string
	Unread      int
	Online      bool
}

type wireChatUser struct {
	ID          any    `json:"_id"`
	AltID       any    `json:"id"`
	UserID      any    `json:"userId"`
	Name        string `json:"name"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Avatar      string `json:"avatar"`
	Picture     string `json:"profilePicture"`
	RoomID      string `json:"room_id"`
	ChatRoomID  string `json:"chat_room_id"`
	Room        string `json:"room"`
	LastMessage any    `json:"lastMessage"`
	Unread      int    `json:"unreadCount"`
	Online      bool   `json:"online"`
}

func (w wireChatUser) normalize() ChatUser {
	u := ChatUser{
		ID:     firstOf(scalar(w.ID), scalar(w.AltID), scalar(w.UserID)),
		Name:   displayName(w.Name, w.FirstName, w.LastName),
		Avatar: firstOf(w.Avatar, w.Picture),
		RoomID: firstOf(w.RoomID, w.ChatRoomID, w.Room),
		Unread: w.Unread,
		Online: w.Online,
	}
	switch lm := w.LastMessage.(type) {
	case string:
		u.LastMessage = lm
	case map[string]any:
		u.LastMessage = str(lm, "message", "text")
	}
	return u
}

// Profile is the user profile. Raw keeps every field the backend sent.
type Profile struct {
	ID       string
	Name     string
	Email    string
	Bio      string
	Gender   string
	Location string
	Avatar   string
	Age      int
	Raw      map[string]any
}

type wireProfile struct {
	ID        any    `json:"_id"`
	AltID     any    `json:"id"`
	Name      string `json:"name"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Bio       string `json:"bio"`
	About     string `json:"about"`
	Gender    string `json:"gender"`
	Location  string `json:"location"`
	City      string `json:"city"`
	Avatar    string `json:"avatar"`
	Picture   string `json:"profilePicture"`
	Age       int    `json:"age"`
}

func (w wireProfile) normalize(raw map[string]any) Profile {
	return Profile{
		ID:       firstOf(scalar(w.ID), scalar(w.AltID)),
		Name:     displayName(w.Name, w.FirstName, w.LastName),
		Email:    w.Email,
		Bio:      firstOf(w.Bio, w.About),
		Gender:   w.Gender,
		Location: firstOf(w.Location, w.City),
		Avatar:   firstOf(w.Avatar, w.Picture),
		Age:      w.Age,
		Raw:      raw,
	}
}

// Notification is an in-app notification.
type Notification struct {
	ID        string
	Title     string
	Body      string
	Read      bool
	CreatedAt string
}

type wireNotification struct {
	ID        any    `json:"_id"`
	AltID     any    `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	IsRead    bool   `json:"isRead"`
	CreatedAt string `json:"createdAt"`
}

func (w wireNotification) normalize() Notification {
	return Notification{
		ID:        firstOf(scalar(w.ID), scalar(w.AltID)),
		Title:     w.Title,
		Body:      firstOf(w.Body, w.Message),
		Read:      w.Read || w.IsRead,
		CreatedAt: w.CreatedAt,
	}
}

// Plan is a purchasable subscription plan.
type Plan struct {
	ID       string
	Name     string
	Price    float64
	Currency string
	Interval string
	Features []string
}

type wirePlan struct {
	ID       any      `json:"_id"`
	AltID    any      `json:"id"`
	Name     string   `json:"name"`
	Title    string   `json:"title"`
	Price    float64  `json:"price"`
	Amount   float64  `json:"amount"`
	Currency string   `json:"currency"`
	Interval string   `json:"interval"`
	Duration string   `json:"duration"`
	Features []string `json:"features"`
}

func (w wirePlan) normalize() Plan {
	p := Plan{
		ID:       firstOf(scalar(w.ID), scalar(w.AltID)),
		Name:     firstOf(w.Name, w.Title),
		Price:    w.Price,
		Currency: w.Currency,
		Interval: firstOf(w.Interval, w.Duration),
		Features: w.Features,
	}
	if p.Price == 0 {
		p.Price = w.Amount
	}
	return p
}

func scalar(v any) string {
	if v == nil {
		return ""
	}
	return str(map[string]any{"v": v}, "v")
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func displayName(name, first, last string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
