package core

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	b, err := hex.DecodeString(idStr)
	if err != nil {
		return Id{}, err
	}
	return IdFromBytes(b)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return hex.EncodeToString(self[0:16])
}

func (self Id) Cmp(other Id) int {
	return bytes.Compare(self[0:16], other[0:16])
}

func (self *Id) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", self.String())), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 34 {
		return fmt.Errorf("invalid length for id: %v", len(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
