package domain

import (
	"errors"
	"fmt"

	"github.com/pion/randutil"
)

const (
	RoomPrefix      = "colastream-"
	DefaultStreamID = "colastream-server"

	roomSuffixLen   = 6
	roomSuffixRunes = "abcdefghijklmnopqrstuvwxyz0123456789"
	MaxRoomIDLen    = 64
)

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

// RoomID names the rendezvous room the bridge joins.
type RoomID string

// NewRoomID returns colastream-<6 random lowercase alphanumerics>.
func NewRoomID() (RoomID, error) {
	suffix, err := randutil.GenerateCryptoRandomString(roomSuffixLen, roomSuffixRunes)
	if err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}
	return RoomID(RoomPrefix + suffix), nil
}

func ParseRoomID(raw string) (RoomID, error) {
	if raw == "" {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}
