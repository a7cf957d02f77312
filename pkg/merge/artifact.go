package merge

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/jingkaihe/themeproxy/internal/errx"
)

const artifactVersion = 1

type artifact struct {
	Version int          `cbor:"version"`
	Engine  string       `cbor:"engine"`
	Theme   string       `cbor:"theme"`
	Rules   []ruleRecord `cbor:"rules"`
	Options Options      `cbor:"options"`
}

// MarshalBinary encodes the transform as a CBOR artifact that Load can
// restore without fetching or parsing any source document again.
func (t *Transform) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(artifact{
		Version: artifactVersion,
		Engine:  t.engine,
		Theme:   t.theme,
		Rules:   t.rules,
		Options: t.opts,
	})
}

// Load restores a transform written by MarshalBinary. deps supply the
// resolver used for href rules at apply time.
func Load(data []byte, deps Deps) (*Transform, error) {
	var a artifact
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, errx.Wrap(ErrInvalidArtifact, err)
	}
	if a.Version != artifactVersion {
		return nil, errx.With(ErrInvalidArtifact, ": version %d, want %d", a.Version, artifactVersion)
	}
	if _, ok := Lookup(a.Engine); !ok {
		return nil, errx.With(ErrUnknownEngine, ": %q", a.Engine)
	}
	for _, r := range a.Rules {
		if err := r.validate(); err != nil {
			return nil, errx.Wrap(ErrInvalidArtifact, err)
		}
	}
	return newTransform(a.Engine, a.Theme, a.Rules, a.Options, deps)
}
