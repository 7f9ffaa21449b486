package bt

import (
	"fmt"
	"strings"
)

// Codec is a voice codec negotiated for a SCO link. The values match the
// HFP codec identifiers.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecCVSD Codec = 1
	CodecMSBC Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecCVSD:
		return "cvsd"
	case CodecMSBC:
		return "msbc"
	case CodecNone:
		return "none"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// SampleRate is the PCM rate the codec decodes to.
func (c Codec) SampleRate() int {
	if c == CodecMSBC {
		return 16000
	}
	return 8000
}

// CodecSet selects which codecs the audio gateway offers.
type CodecSet int

const (
	CodecSetCVSD CodecSet = iota
	CodecSetMSBC
	CodecSetBoth
)

// Codecs lists the codecs of the set in preference order.
func (s CodecSet) Codecs() []Codec {
	switch s {
	case CodecSetMSBC:
		return []Codec{CodecMSBC}
	case CodecSetBoth:
		return []Codec{CodecCVSD, CodecMSBC}
	default:
		return []Codec{CodecCVSD}
	}
}

func (s CodecSet) String() string {
	switch s {
	case CodecSetMSBC:
		return "msbc"
	case CodecSetBoth:
		return "both"
	default:
		return "cvsd"
	}
}

// ParseCodecSet accepts "cvsd", "msbc" and "both".
func ParseCodecSet(s string) (CodecSet, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cvsd":
		return CodecSetCVSD, nil
	case "msbc":
		return CodecSetMSBC, nil
	case "both":
		return CodecSetBoth, nil
	default:
		return CodecSetCVSD, fmt.Errorf("unknown codec set %q", s)
	}
}
