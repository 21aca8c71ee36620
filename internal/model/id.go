package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func NewStepID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "step-unknown"
	}
	return fmt.Sprintf("step_%s", hex.EncodeToString(b))
}
