package protocol

import (
	"fmt"
	"math"

	"github.com/annel0/mmo-zones/internal/vec"
	"google.golang.org/protobuf/encoding/protowire"
)

// MsgType определяет тип сообщения в системе
type MsgType uint8

// Определение констант для типов сообщений
const (
	MsgUnknown         MsgType = 0
	MsgLogin           MsgType = 1
	MsgLoginResult     MsgType = 2
	MsgSwitchDirective MsgType = 3
	MsgPing            MsgType = 4
	MsgPong            MsgType = 5
	MsgKick            MsgType = 6
)

func (t MsgType) String() string {
	switch t {
	case MsgLogin:
		return "Login"
	case MsgLoginResult:
		return "LoginResult"
	case MsgSwitchDirective:
		return "SwitchDirective"
	case MsgPing:
		return "Ping"
	case MsgPong:
		return "Pong"
	case MsgKick:
		return "Kick"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// Message сообщение протокола зон. Тело кодируется в wire-формате protobuf.
type Message interface {
	Type() MsgType
	appendBody(b []byte) []byte
	decodeBody(b []byte) error
}

// newMessage создаёт пустое сообщение по типу
func newMessage(t MsgType) (Message, error) {
	switch t {
	case MsgLogin:
		return &Login{}, nil
	case MsgLoginResult:
		return &LoginResult{}, nil
	case MsgSwitchDirective:
		return &SwitchDirective{}, nil
	case MsgPing:
		return &Ping{}, nil
	case MsgPong:
		return &Pong{}, nil
	case MsgKick:
		return &Kick{}, nil
	default:
		return nil, fmt.Errorf("неизвестный тип сообщения: %d", uint8(t))
	}
}

// Login вход игрока в зону
type Login struct {
	Player string
	// Ticket билет перехода, выданный исходной зоной (может быть пустым)
	Ticket string
}

func (*Login) Type() MsgType { return MsgLogin }

func (m *Login) appendBody(b []byte) []byte {
	b = appendString(b, 1, m.Player)
	b = appendString(b, 2, m.Ticket)
	return b
}

func (m *Login) decodeBody(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(v, &m.Player)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(v, &m.Ticket)
		}
		return -1, nil
	})
}

// LoginResult ответ зоны на вход
type LoginResult struct {
	OK       bool
	Reason   string
	Zone     string
	Anchor   string
	Position vec.Vec3
}

func (*LoginResult) Type() MsgType { return MsgLoginResult }

func (m *LoginResult) appendBody(b []byte) []byte {
	if m.OK {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(m.OK))
	}
	b = appendString(b, 2, m.Reason)
	b = appendString(b, 3, m.Zone)
	b = appendString(b, 4, m.Anchor)
	b = appendDouble(b, 5, m.Position.X)
	b = appendDouble(b, 6, m.Position.Y)
	b = appendDouble(b, 7, m.Position.Z)
	return b
}

func (m *LoginResult) decodeBody(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return n, protowire.ParseError(n)
			}
			m.OK = protowire.DecodeBool(x)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			return consumeString(v, &m.Reason)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(v, &m.Zone)
		case num == 4 && typ == protowire.BytesType:
			return consumeString(v, &m.Anchor)
		case num == 5 && typ == protowire.Fixed64Type:
			return consumeDouble(v, &m.Position.X)
		case num == 6 && typ == protowire.Fixed64Type:
			return consumeDouble(v, &m.Position.Y)
		case num == 7 && typ == protowire.Fixed64Type:
			return consumeDouble(v, &m.Position.Z)
		}
		return -1, nil
	})
}

// SwitchDirective команда клиенту перейти в другую зону
type SwitchDirective struct {
	PlayerName string
	ZoneName   string
	Ticket     string
	Anchor     string
}

func (*SwitchDirective) Type() MsgType { return MsgSwitchDirective }

func (m *SwitchDirective) appendBody(b []byte) []byte {
	b = appendString(b, 1, m.PlayerName)
	b = appendString(b, 2, m.ZoneName)
	b = appendString(b, 3, m.Ticket)
	b = appendString(b, 4, m.Anchor)
	return b
}

func (m *SwitchDirective) decodeBody(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		switch num {
		case 1:
			return consumeString(v, &m.PlayerName)
		case 2:
			return consumeString(v, &m.ZoneName)
		case 3:
			return consumeString(v, &m.Ticket)
		case 4:
			return consumeString(v, &m.Anchor)
		}
		return -1, nil
	})
}

// Ping проверка соединения
type Ping struct {
	Nonce uint64
}

func (*Ping) Type() MsgType { return MsgPing }

func (m *Ping) appendBody(b []byte) []byte { return appendUint(b, 1, m.Nonce) }

func (m *Ping) decodeBody(b []byte) error { return decodeNonce(b, &m.Nonce) }

// Pong ответ на Ping с тем же Nonce
type Pong struct {
	Nonce uint64
}

func (*Pong) Type() MsgType { return MsgPong }

func (m *Pong) appendBody(b []byte) []byte { return appendUint(b, 1, m.Nonce) }

func (m *Pong) decodeBody(b []byte) error { return decodeNonce(b, &m.Nonce) }

// KickReplaced игрок вошёл с другого соединения
const KickReplaced = "replaced"

// Kick сервер закрывает соединение клиента
type Kick struct {
	Reason string
}

func (*Kick) Type() MsgType { return MsgKick }

func (m *Kick) appendBody(b []byte) []byte { return appendString(b, 1, m.Reason) }

func (m *Kick) decodeBody(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			return consumeString(v, &m.Reason)
		}
		return -1, nil
	})
}

func decodeNonce(b []byte, nonce *uint64) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return n, protowire.ParseError(n)
			}
			*nonce = x
			return n, nil
		}
		return -1, nil
	})
}

// Вспомогательные функции wire-формата

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDouble(b []byte, num protowire.Number, f float64) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(f))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func consumeString(b []byte, dst *string) (int, error) {
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return n, protowire.ParseError(n)
	}
	*dst = s
	return n, nil
}

func consumeDouble(b []byte, dst *float64) (int, error) {
	x, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return n, protowire.ParseError(n)
	}
	*dst = math.Float64frombits(x)
	return n, nil
}

// walkFields проходит по полям тела. field возвращает -1 для неизвестных
// полей: они пропускаются (совместимость с будущими версиями).
func walkFields(b []byte, field func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}
