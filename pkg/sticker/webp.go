package sticker

import (
	"encoding/binary"
	"errors"
)

// webpInfo is what the container header says about an encoded sticker.
type webpInfo struct {
	Width    int
	Height   int
	Animated bool
	Alpha    bool
}

const (
	vp8xFlagAnimation = 0x02
	vp8xFlagAlpha     = 0x10
)

var errNotWebP = errors.New("output is not a webp image")

// probeWebP reads canvas size and feature flags from the first WebP chunk.
func probeWebP(data []byte) (webpInfo, error) {
	if len(data) < 20 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return webpInfo{}, errNotWebP
	}

	chunk := string(data[12:16])
	payload := data[20:]

	switch chunk {
	case "VP8X":
		if len(payload) < 10 {
			return webpInfo{}, errors.New("truncated VP8X header")
		}
		flags := payload[0]
		return webpInfo{
			Width:    int(uint24(payload[4:7])) + 1,
			Height:   int(uint24(payload[7:10])) + 1,
			Animated: flags&vp8xFlagAnimation != 0,
			Alpha:    flags&vp8xFlagAlpha != 0,
		}, nil
	case "VP8L":
		if len(payload) < 5 || payload[0] != 0x2f {
			return webpInfo{}, errors.New("truncated VP8L header")
		}
		bits := binary.LittleEndian.Uint32(payload[1:5])
		return webpInfo{
			Width:  int(bits&0x3fff) + 1,
			Height: int((bits>>14)&0x3fff) + 1,
			Alpha:  (bits>>28)&1 == 1,
		}, nil
	case "VP8 ":
		if len(payload) < 10 || payload[3] != 0x9d || payload[4] != 0x01 || payload[5] != 0x2a {
			return webpInfo{}, errors.New("truncated VP8 header")
		}
		return webpInfo{
			Width:  int(binary.LittleEndian.Uint16(payload[6:8]) & 0x3fff),
			Height: int(binary.LittleEndian.Uint16(payload[8:10]) & 0x3fff),
		}, nil
	default:
		return webpInfo{}, errNotWebP
	}
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
