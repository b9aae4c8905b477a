// Package room derives the identity of a two-party conversation.
package room

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the two participant identifiers of a Key. Identifiers may
// not contain it.
const Separator = ":"

var (
	ErrEmptyParticipant   = errors.New("room: participant id is empty")
	ErrInvalidParticipant = errors.New("room: participant id contains the key separator")
	ErrSelfChat           = errors.New("room: participants must be distinct")
	ErrInvalidKey         = errors.New("room: malformed room key")
)

// Key identifies the conversation between two participants. Resolve(a, b)
// and Resolve(b, a) yield the same Key.
type Key string

// Resolve derives the room key for a pair of participants.
func Resolve(participantA, participantB string) (Key, error) {
	if err := ValidateParticipant(participantA); err != nil {
		return "", err
	}
	if err := ValidateParticipant(participantB); err != nil {
		return "", err
	}
	if participantA == participantB {
		return "", ErrSelfChat
	}
	if participantA > participantB {
		participantA, participantB = participantB, participantA
	}
	return Key(participantA + Separator + participantB), nil
}

// Parse validates a client supplied room key. The key must be in the form
// produced by Resolve.
func Parse(s string) (Key, error) {
	a, b, ok := strings.Cut(s, Separator)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k, err := Resolve(a, b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if string(k) != s {
		// participants out of order
		return "", fmt.Errorf("%w: %q is not canonical", ErrInvalidKey, s)
	}
	return k, nil
}

// Participants returns the two participants of the key in canonical order.
func (k Key) Participants() (string, string) {
	a, b, _ := strings.Cut(string(k), Separator)
	return a, b
}

// Has reports whether userID is one of the key's participants.
func (k Key) Has(userID string) bool {
	if userID == "" {
		return false
	}
	a, b := k.Participants()
	return userID == a || userID == b
}

// Peer returns the participant that is not userID.
func (k Key) Peer(userID string) (string, bool) {
	a, b := k.Participants()
	switch userID {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}

func (k Key) String() string { return string(k) }

// ValidateParticipant reports whether id can be part of a Key.
func ValidateParticipant(id string) error {
	if id == "" {
		return ErrEmptyParticipant
	}
	if strings.Contains(id, Separator) {
		return fmt.Errorf("%w: %q", ErrInvalidParticipant, id)
	}
	return nil
}
