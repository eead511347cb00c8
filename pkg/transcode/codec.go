package transcode

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Codec is the compressed format written to the mirror.
type Codec string

const (
	Bzip2 Codec = "bz2"
	Gzip  Codec = "gz"
	Zstd  Codec = "zst"
)

var codecToString = map[Codec]string{
	Bzip2: "bz2",
	Gzip:  "gz",
	Zstd:  "zst",
}

var stringToCodec map[string]Codec

func init() {
	stringToCodec = util.InvertMap(codecToString)
}

func (c Codec) String() string {
	if str, ok := codecToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_codec(%s)", string(c))
}

// Suffix returns the file name suffix clients expect for the codec.
func (c Codec) Suffix() string {
	return "." + c.String()
}

// ParseCodec parses a codec name. An empty string selects bzip2, the format
// game clients download.
func ParseCodec(s string) (Codec, error) {
	if s == "" {
		return Bzip2, nil
	}
	if c, ok := stringToCodec[s]; ok {
		return c, nil
	}
	return "", fmt.Errorf("invalid codec: %q. Must be 'bz2', 'gz', or 'zst'", s)
}

// MarshalJSON implements the json.Marshaler interface for Codec.
func (c Codec) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Codec.
func (c *Codec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("codec should be a string, got %s", data)
	}
	codec, err := ParseCodec(s)
	if err != nil {
		return err
	}
	*c = codec
	return nil
}
