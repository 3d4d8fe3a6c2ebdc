package material

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindUndefined = Kind(iota)
	KindVideo
	KindMainVideo
	KindGIF
	KindImage
	KindMainAudio
	KindAudio
	KindText
	KindTime
	KindClock
	endOfKind
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "<undefined>"
	case KindVideo:
		return "video"
	case KindMainVideo:
		return "mainvideo"
	case KindGIF:
		return "gif"
	case KindImage:
		return "image"
	case KindMainAudio:
		return "mainaudio"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	case KindTime:
		return "time"
	case KindClock:
		return "clock"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind matches s case-insensitively as a prefix of a kind name;
// ambiguous prefixes resolve in declaration order.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return KindUndefined, fmt.Errorf("%w: empty material type", ErrInvalidSpec)
	}
	s = strings.ToLower(s)
	for k := KindUndefined + 1; k < endOfKind; k++ {
		if strings.HasPrefix(k.String(), s) {
			return k, nil
		}
	}
	return KindUndefined, fmt.Errorf("%w: unknown material type '%s'", ErrInvalidSpec, s)
}

// IsMain reports whether the kind drives the run.
func (k Kind) IsMain() bool {
	return k == KindMainVideo || k == KindMainAudio
}

// IsAudio reports whether the kind carries audio only.
func (k Kind) IsAudio() bool {
	return k == KindAudio || k == KindMainAudio
}

// IsDecoded reports whether the kind is backed by a decode thread.
func (k Kind) IsDecoded() bool {
	switch k {
	case KindVideo, KindMainVideo, KindAudio, KindMainAudio:
		return true
	}
	return false
}

func (k Kind) IsTextual() bool {
	return k == KindText || k == KindTime
}

// Secondary maps main kinds into the kinds used for materials added at
// runtime.
func (k Kind) Secondary() Kind {
	switch k {
	case KindMainVideo:
		return KindVideo
	case KindMainAudio:
		return KindAudio
	}
	return k
}
