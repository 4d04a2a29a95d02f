package middleware

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/musicgen/internal/auth"
)

func TestAuthenticate(t *testing.T) {
	m := NewAuthMiddleware(nil, "secret")
	require.True(t, m.Configured())

	app := fiber.New()
	app.Get("/me", m.Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c))
	})

	token, err := auth.SignLegacyToken("user-7", "", "secret")
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"malformed", "Token abc", fiber.StatusUnauthorized},
		{"bad signature", "Bearer " + token + "x", fiber.StatusUnauthorized},
		{"valid", "Bearer " + token, fiber.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestAuthenticate_StoresCaller(t *testing.T) {
	m := NewAuthMiddleware(nil, "secret")
	app := fiber.New()
	app.Get("/me", m.Authenticate(), func(c *fiber.Ctx) error {
		caller, ok := CallerFrom(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString(caller.UserID + "|" + caller.Email)
	})

	token, err := auth.SignLegacyToken("user-9", "nine@example.com", "secret")
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "bearer "+token)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "user-9|nine@example.com", string(body))
}

func TestAuthenticate_Unconfigured(t *testing.T) {
	m := NewAuthMiddleware(nil, "")
	require.False(t, m.Configured())

	app := fiber.New()
	app.Get("/me", m.Authenticate(), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimiter_PerCaller(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := NewRateLimiter(rdb)
	app := fiber.New()
	app.Post("/generate", rl.Limit("generate", 2, time.Hour), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	send := func() int {
		resp, err := app.Test(httptest.NewRequest("POST", "/generate", nil), -1)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusAccepted, send())
	assert.Equal(t, fiber.StatusAccepted, send())
	assert.Equal(t, fiber.StatusTooManyRequests, send())

	mr.FastForward(time.Hour + time.Second)
	assert.Equal(t, fiber.StatusAccepted, send())
}

func TestRateLimiter_FailsOpenWithoutRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer rdb.Close()

	app := fiber.New()
	app.Post("/generate", NewRateLimiter(rdb).GenerateLimit(1), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/generate", nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	}
}
