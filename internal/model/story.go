package model

import "time"

// GameStateSnapshot は物語ノード1つ分の状態スナップショットを表す。
// Narrative Engineが返すペイロードと同形で、ゲーム画面が離脱直前に生成し、
// 編年史画面からの復帰時に最大1回だけ消費される。
type GameStateSnapshot struct {
	SessionID     int64    `json:"session_id"`
	NodeID        int64    `json:"node_id"`
	Text          string   `json:"text"`
	ImageRef      string   `json:"image_url,omitempty"`
	Choices       []string `json:"choices"`
	SuccessRate   *float64 `json:"success_rate,omitempty"`
	ChapterNumber int      `json:"chapter_number,omitempty"`
}

// StorySession はNarrative Engine側のゲームセッション（1回の重生）を表す。
type StorySession struct {
	ID        int64     `json:"id"`
	Wish      string    `json:"wish"`
	CreatedAt time.Time `json:"created_at"`
}

// セーブデータの状態。Narrative Engineが受理する値に合わせる。
const (
	SaveStatusActive    = "active"
	SaveStatusCompleted = "completed"
	SaveStatusFailed    = "failed"
)

// StorySave はセーブデータを表す。
type StorySave struct {
	ID        int64              `json:"id"`
	SessionID int64              `json:"session_id"`
	NodeID    int64              `json:"node_id"`
	Title     string             `json:"title"`
	Status    string             `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Node      *GameStateSnapshot `json:"node,omitempty"`
}

// ValidSaveStatus はセーブ状態として受理可能な値かどうかを返す。
func ValidSaveStatus(status string) bool {
	switch status {
	case SaveStatusActive, SaveStatusCompleted, SaveStatusFailed:
		return true
	}
	return false
}
