package voice

import (
	"encoding/json"
	"fmt"

	"github.com/clinicdoc/voicedoc/internal/platform/extract"
	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
)

// sealedCommand is a command's stored text columns.
type sealedCommand struct {
	raw, text, annotations string
}

// commandCodec encrypts and decrypts command text columns. A nil cipher
// stores plaintext.
type commandCodec struct {
	cipher FieldCipher
}

func (c commandCodec) seal(cmd *Command) (sealedCommand, error) {
	ann := ""
	if !cmd.Annotations.Empty() {
		b, err := json.Marshal(cmd.Annotations)
		if err != nil {
			return sealedCommand{}, fmt.Errorf("encode annotations: %w", err)
		}
		ann = string(b)
	}
	out := sealedCommand{raw: cmd.RawText, text: cmd.Text, annotations: ann}
	if c.cipher == nil {
		return out, nil
	}

	var err error
	for _, f := range []*string{&out.raw, &out.text, &out.annotations} {
		if *f == "" {
			continue
		}
		if *f, err = c.cipher.EncryptField(*f); err != nil {
			return sealedCommand{}, fmt.Errorf("encrypt command %d: %w", cmd.Position, err)
		}
	}
	return out, nil
}

func (c commandCodec) open(cmd *Command, sc sealedCommand) error {
	if c.cipher != nil {
		var err error
		for _, f := range []*string{&sc.raw, &sc.text, &sc.annotations} {
			if *f == "" {
				continue
			}
			if *f, err = c.cipher.DecryptField(*f); err != nil {
				return fmt.Errorf("decrypt command %d: %w", cmd.Position, err)
			}
		}
	}
	cmd.RawText = sc.raw
	cmd.Text = sc.text
	cmd.Annotations = extract.Annotations{}
	if sc.annotations != "" {
		if err := json.Unmarshal([]byte(sc.annotations), &cmd.Annotations); err != nil {
			return fmt.Errorf("decode annotations of command %d: %w", cmd.Position, err)
		}
	}
	return nil
}

func categoryOf(s string) transcript.Category {
	return transcript.Category(s)
}
