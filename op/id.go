package op

import (
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// idOptions is the set of available options for NewID and NewOpaque.
type idOptions struct {
	withPrefix     string
	withByteLength int
}

func idDefaults() idOptions {
	return idOptions{
		withByteLength: 20,
	}
}

func getIDOpts(opt ...Option) idOptions {
	opts := idDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// NewID generates an unguessable identifier with an optional prefix.  The
// generated id is suitable for a session id, interaction id, grant id or jti.
// Supported options: WithPrefix, WithByteLength.
func NewID(opt ...Option) (string, error) {
	const op = "op.NewID"
	opts := getIDOpts(opt...)
	data, err := uuid.GenerateRandomBytes(opts.withByteLength)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, err)
	}
	id := base64.RawURLEncoding.EncodeToString(data)
	if opts.withPrefix != "" {
		return fmt.Sprintf("%s_%s", opts.withPrefix, id), nil
	}
	return id, nil
}

// NewOpaque generates an opaque credential value (authorization code, access
// or refresh token) with at least 256 bits of entropy.
func NewOpaque(opt ...Option) (string, error) {
	const op = "op.NewOpaque"
	v, err := NewID(append([]Option{WithByteLength(32)}, opt...)...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}
