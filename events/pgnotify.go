package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"merchantflow/auth"
)

// TokenVerifier checks that a token grants access to a channel.
type TokenVerifier interface {
	Verify(token, channel string) (auth.ChannelClaims, error)
}

// PGSubscriber delivers merchant channels over Postgres LISTEN/NOTIFY.
type PGSubscriber struct {
	pool     *pgxpool.Pool
	verifier TokenVerifier
}

// NewPGSubscriber builds a subscriber. A nil verifier skips token checks.
func NewPGSubscriber(pool *pgxpool.Pool, verifier TokenVerifier) *PGSubscriber {
	return &PGSubscriber{pool: pool, verifier: verifier}
}

func (s *PGSubscriber) Subscribe(ctx context.Context, topic, token string) (Subscription, error) {
	merchantID, err := MerchantFromTopic(topic)
	if err != nil {
		return nil, err
	}
	if s.verifier != nil {
		claims, err := s.verifier.Verify(token, topic)
		if err != nil {
			return nil, fmt.Errorf("events: verify channel token: %w", err)
		}
		if claims.MerchantID != merchantID {
			return nil, fmt.Errorf("%w: token for %s", ErrTopicMismatch, claims.MerchantID)
		}
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("events: acquire listen conn: %w", err)
	}

	ident := pgx.Identifier{topic}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		conn.Release()
		return nil, fmt.Errorf("events: listen %s: %w", topic, err)
	}

	return &pgSubscription{conn: conn, ident: ident}, nil
}

type pgSubscription struct {
	conn  *pgxpool.Conn
	ident string
}

func (s *pgSubscription) Next(ctx context.Context) (Message, error) {
	n, err := s.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: n.Channel, Data: []byte(n.Payload)}, nil
}

func (s *pgSubscription) Close(ctx context.Context) error {
	defer s.conn.Release()
	if s.conn.Conn().IsClosed() {
		return nil
	}
	if _, err := s.conn.Exec(ctx, "UNLISTEN "+s.ident); err != nil {
		return fmt.Errorf("events: unlisten: %w", err)
	}
	return nil
}

// Execer is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Publish sends an encoded envelope onto the merchant channel. Inside a
// transaction the notification is delivered on commit.
func Publish(ctx context.Context, db Execer, merchantID string, payload []byte) error {
	if _, err := db.Exec(ctx, `SELECT pg_notify($1, $2)`, Topic(merchantID), string(payload)); err != nil {
		return fmt.Errorf("events: notify %s: %w", Topic(merchantID), err)
	}
	return nil
}
