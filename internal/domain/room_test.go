package domain

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

var roomPattern = regexp.MustCompile(`^colastream-[a-z0-9]{6}$`)

func TestNewRoomID(t *testing.T) {
	seen := make(map[RoomID]struct{})
	for range 50 {
		id, err := NewRoomID()
		if err != nil {
			t.Fatalf("NewRoomID() error = %v", err)
		}
		if !roomPattern.MatchString(string(id)) {
			t.Fatalf("NewRoomID() = %q", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) < 2 {
		t.Error("NewRoomID() keeps returning the same id")
	}
}

func TestParseRoomID(t *testing.T) {
	if _, err := ParseRoomID(""); !errors.Is(err, ErrRoomIDEmpty) {
		t.Errorf("empty: error = %v", err)
	}
	if _, err := ParseRoomID(strings.Repeat("x", MaxRoomIDLen+1)); !errors.Is(err, ErrRoomIDTooLong) {
		t.Errorf("long: error = %v", err)
	}
	if id, err := ParseRoomID("myroom"); err != nil || id != "myroom" {
		t.Errorf("ParseRoomID(myroom) = %q, %v", id, err)
	}
}

func TestPeerIDShort(t *testing.T) {
	if got := PeerID("0123456789abcdef").Short(); got != "01234567" {
		t.Errorf("Short() = %q", got)
	}
	if got := PeerID("abc").Short(); got != "abc" {
		t.Errorf("Short() = %q", got)
	}
	if got := PeerID("").Short(); got != "?" {
		t.Errorf("Short() = %q", got)
	}
}

func TestSessionEventState(t *testing.T) {
	ev := NewSessionEvent("p", "g", StateChannelOpen)
	if ev.StateName != "channel_open" {
		t.Errorf("StateName = %q", ev.StateName)
	}
}
