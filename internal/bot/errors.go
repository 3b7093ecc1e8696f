package bot

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFeedNotFound     = errors.New("feed not found")
	ErrNameInUse        = errors.New("name in use by a feed of the other kind")
	ErrFeedNameTaken    = errors.New("feed name already in use")
	ErrAlreadyInChannel = errors.New("feed already in channel")
	ErrNotInChannel     = errors.New("feed not in channel")
	ErrInvalidURL       = errors.New("invalid url")
	ErrNotCustom        = errors.New("feed is not a custom feed")
)

// FeedInUseError is returned when deleting a feed that still has channels.
type FeedInUseError struct {
	Name     string
	Channels []string
}

func (e *FeedInUseError) Error() string {
	return fmt.Sprintf("feed '%s' still in use in %s", e.Name, strings.Join(e.Channels, ", "))
}
