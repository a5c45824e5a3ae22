package protocol

import (
	"slices"
)

// Reaction actions carried by the delta form of message_reaction.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// Reactions maps an emoji to the users that reacted with it.
// Each user appears at most once per emoji and no emoji maps to an empty set.
type Reactions map[string][]string

// Clone returns a deep copy. The clone of a nil map is nil.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}

// Normalize returns a copy with duplicate users and empty emojis removed
// and each user list sorted. A nil map stays nil.
func (r Reactions) Normalize() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		set := slices.Clone(users)
		slices.Sort(set)
		set = slices.Compact(set)
		if len(set) > 0 {
			out[emoji] = set
		}
	}
	return out
}

// With returns a copy where user has reacted with emoji.
func (r Reactions) With(emoji, user string) Reactions {
	out := r.Clone()
	if out == nil {
		out = make(Reactions)
	}
	users := out[emoji]
	i, found := slices.BinarySearch(users, user)
	if !found {
		out[emoji] = slices.Insert(users, i, user)
	}
	return out
}

// Without returns a copy where user no longer reacts with emoji.
// The emoji key is dropped once its set becomes empty, and a map left
// without emojis is returned as nil.
func (r Reactions) Without(emoji, user string) Reactions {
	out := r.Clone()
	users, ok := out[emoji]
	if !ok {
		return out
	}
	if i, found := slices.BinarySearch(users, user); found {
		users = slices.Delete(users, i, i+1)
	}
	if len(users) == 0 {
		delete(out, emoji)
	} else {
		out[emoji] = users
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Has reports whether user reacted with emoji.
func (r Reactions) Has(emoji, user string) bool {
	_, found := slices.BinarySearch(r[emoji], user)
	return found
}

// Count returns the number of users that reacted with emoji.
func (r Reactions) Count(emoji string) int {
	return len(r[emoji])
}
