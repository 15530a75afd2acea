package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustlink-chat/internal/auth"
	"trustlink-chat/internal/storage"
	"trustlink-chat/pkg/chat"
)

func TestMint(t *testing.T) {
	db, err := storage.Connect(":memory:")
	require.NoError(t, err)
	require.NoError(t, storage.SeedDemo(db, slog.New(slog.NewTextHandler(io.Discard, nil))))

	tokens := auth.NewTokenIssuer("secret", time.Hour)
	svc := auth.NewAuthService(db, tokens)

	var out bytes.Buffer
	require.NoError(t, mint(context.Background(), &out, svc, storage.DemoResponderID))

	claims, err := tokens.ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, storage.DemoResponderID, claims.Subject)
	assert.Equal(t, string(chat.RoleResponder), claims.Role)

	err = mint(context.Background(), &out, svc, "nobody")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}
