package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SideSpec describes one side of a battle: the packed team payload and the
// candidate human accounts that may claim the side. Confirmed is populated
// during choreography with the first candidate observed online; it is set at
// most once and is always a member of Usernames.
type SideSpec struct {
	Team      string   `json:"team"`
	Usernames []string `json:"usernames"`
	Confirmed string   `json:"confirmed,omitempty"`
}

// BattleSpec is the input contract for one battle choreography run.
type BattleSpec struct {
	Message  string      `json:"message"`
	ChalCode string      `json:"chalcode"`
	Sides    [2]SideSpec `json:"sides"`
}

// BattleRecord is the persisted trace of one completed choreography run.
// The outcome fields land later, once the backgrounded result wait settles.
type BattleRecord struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	RoomID    string             `bson:"roomId" json:"roomId"`
	RoomURL   string             `bson:"roomUrl" json:"roomUrl"`
	Players   []string           `bson:"players" json:"players"`
	Message   string             `bson:"message" json:"message"`
	ChalCode  string             `bson:"chalcode" json:"chalcode"`
	Winner    string             `bson:"winner,omitempty" json:"winner,omitempty"`
	ReplayURL string             `bson:"replayUrl,omitempty" json:"replayUrl,omitempty"`
	StartedAt time.Time          `bson:"startedAt" json:"startedAt"`
}
