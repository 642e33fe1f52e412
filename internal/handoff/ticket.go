package handoff

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TicketIssuerName значение iss в билетах перехода
const TicketIssuerName = "mmo-zones"

// ErrInvalidTicket билет не прошёл проверку
var ErrInvalidTicket = errors.New("handoff: invalid transfer ticket")

// TicketClaims represents transfer ticket claims.
// Subject: игрок, Audience: целевая зона.
type TicketClaims struct {
	FromZone string `json:"from_zone,omitempty"`
	Anchor   string `json:"anchor,omitempty"`
	jwt.RegisteredClaims
}

// Tickets выпускает и проверяет короткоживущие билеты перехода между зонами.
// Без секрета билеты отключены: Issue возвращает "", Verify принимает любой.
type Tickets struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTickets создаёт выпускающего. secret в base64, не короче 32 байт.
func NewTickets(secret string, ttl time.Duration) (*Tickets, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	t := &Tickets{ttl: ttl, now: time.Now}
	if secret == "" {
		return t, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("handoff: ticket secret: %w", err)
	}
	if len(decoded) < 32 {
		return nil, errors.New("secret key must be at least 32 bytes")
	}
	t.secret = decoded
	return t, nil
}

// GenerateSecureSecret generates a new secure secret key
func GenerateSecureSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

// Enabled включена ли проверка билетов
func (t *Tickets) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// Issue выпускает билет для игрока в зону toZone
func (t *Tickets) Issue(player, fromZone, toZone, anchor string) (string, error) {
	if !t.Enabled() {
		return "", nil
	}

	now := t.now()
	claims := &TicketClaims{
		FromZone: fromZone,
		Anchor:   anchor,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    TicketIssuerName,
			Subject:   player,
			Audience:  jwt.ClaimStrings{toZone},
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify проверяет подпись, срок, игрока и целевую зону
func (t *Tickets) Verify(ticket, player, zoneName string) (*TicketClaims, error) {
	if !t.Enabled() {
		return &TicketClaims{}, nil
	}
	if ticket == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTicket)
	}

	claims := &TicketClaims{}
	token, err := jwt.ParseWithClaims(ticket, claims, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	},
		jwt.WithIssuer(TicketIssuerName),
		jwt.WithAudience(zoneName),
		jwt.WithSubject(player),
		jwt.WithTimeFunc(t.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	return claims, nil
}
