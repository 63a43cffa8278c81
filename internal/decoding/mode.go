package decoding

import (
	"fmt"
	"strings"
)

// DecodingMode selects the decoding family of a Decoder. It is built with the
// named constructors below and never from raw bits.
type DecodingMode struct {
	state uint8
}

const (
	modeNone       uint8 = 0
	modeTopK       uint8 = 1 << 0
	modeTopP       uint8 = 1 << 1
	modeBeamSearch uint8 = 1 << 2
	modeMedusa     uint8 = 1 << 3
	modeTopKTopP         = modeTopK | modeTopP
)

// ModeNone defers the choice to the beam width of the first Setup: top-k/top-p
// sampling for beam width 1, beam search otherwise.
func ModeNone() DecodingMode { return DecodingMode{modeNone} }

func ModeTopK() DecodingMode       { return DecodingMode{modeTopK} }
func ModeTopP() DecodingMode       { return DecodingMode{modeTopP} }
func ModeTopKTopP() DecodingMode   { return DecodingMode{modeTopKTopP} }
func ModeBeamSearch() DecodingMode { return DecodingMode{modeBeamSearch} }

// ModeMedusa selects tree-structured speculative decoding.
func ModeMedusa() DecodingMode { return DecodingMode{modeMedusa} }

func (m DecodingMode) IsNone() bool        { return m.state == modeNone }
func (m DecodingMode) IsTopK() bool        { return m.anyBitSet(modeTopK) }
func (m DecodingMode) IsTopP() bool        { return m.anyBitSet(modeTopP) }
func (m DecodingMode) IsTopKOrTopP() bool  { return m.anyBitSet(modeTopKTopP) }
func (m DecodingMode) IsTopKAndTopP() bool { return m.allBitSet(modeTopKTopP) }
func (m DecodingMode) IsBeamSearch() bool  { return m.anyBitSet(modeBeamSearch) }
func (m DecodingMode) IsMedusa() bool      { return m.anyBitSet(modeMedusa) }

// Equal reports whether both modes select the same family.
func (m DecodingMode) Equal(o DecodingMode) bool { return m.state == o.state }

func (m DecodingMode) anyBitSet(bits uint8) bool { return m.state&bits != 0 }
func (m DecodingMode) allBitSet(bits uint8) bool { return m.state&bits == bits }

// Resolve replaces ModeNone with the family implied by beamWidth.
func (m DecodingMode) Resolve(beamWidth int) DecodingMode {
	if !m.IsNone() {
		return m
	}
	if beamWidth > 1 {
		return ModeBeamSearch()
	}
	return ModeTopKTopP()
}

func (m DecodingMode) String() string {
	switch m.state {
	case modeNone:
		return "none"
	case modeTopK:
		return "top-k"
	case modeTopP:
		return "top-p"
	case modeTopKTopP:
		return "top-k-top-p"
	case modeBeamSearch:
		return "beam-search"
	case modeMedusa:
		return "medusa"
	default:
		return fmt.Sprintf("invalid(%#x)", m.state)
	}
}

// ParseDecodingMode maps the String form (and a few aliases) back to a mode.
func ParseDecodingMode(s string) (DecodingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "auto":
		return ModeNone(), nil
	case "top-k", "topk", "top_k":
		return ModeTopK(), nil
	case "top-p", "topp", "top_p":
		return ModeTopP(), nil
	case "top-k-top-p", "topktopp", "sampling":
		return ModeTopKTopP(), nil
	case "beam-search", "beam", "beam_search":
		return ModeBeamSearch(), nil
	case "medusa", "speculative":
		return ModeMedusa(), nil
	default:
		return ModeNone(), configErrorf("unknown decoding mode %q", s)
	}
}
