package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookgen/api/internal/observability"
)

const testSecret = "middleware-test-secret"

func whoami(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"user_id": GetUserID(c), "email": GetUserEmail(c)})
}

func authApp(m *AuthMiddleware) *fiber.App {
	app := fiber.New()
	app.Get("/optional", m.Optional(), whoami)
	app.Get("/required", m.Authenticate(), whoami)
	return app
}

func get(t *testing.T, app *fiber.App, path, token string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestAuthenticate(t *testing.T) {
	m := NewAuthMiddleware(testSecret)
	app := authApp(m)
	token, err := m.GenerateToken("user-1", "user@example.com")
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, get(t, app, "/required", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get(t, app, "/required", "garbage").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, app, "/required", token).StatusCode)

	other, err := NewAuthMiddleware("another-secret").GenerateToken("user-1", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(t, app, "/required", other).StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/required", nil)
	req.Header.Set("Authorization", "Token "+token)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOptionalAuth(t *testing.T) {
	m := NewAuthMiddleware(testSecret)
	app := authApp(m)
	token, err := m.GenerateToken("user-7", "seven@example.com")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(t, app, "/optional", "").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, app, "/optional", token).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get(t, app, "/optional", "garbage").StatusCode)
}

func TestAuthWithoutSecretRefusesProtectedRoutes(t *testing.T) {
	m := NewAuthMiddleware("")
	assert.False(t, m.Enabled())
	app := authApp(m)

	assert.Equal(t, http.StatusUnauthorized, get(t, app, "/required", "").StatusCode)
	other, err := NewAuthMiddleware(testSecret).GenerateToken("user-1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(t, app, "/required", other).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, app, "/optional", "anything").StatusCode)
}

func TestRateLimitWithoutRedisPasses(t *testing.T) {
	app := fiber.New()
	app.Use(NewRateLimiter(nil, nil).PerMinute(1))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(t, app, "/", "").StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	prefix := fmt.Sprintf("test-%d", time.Now().UnixNano())
	app := fiber.New()
	app.Use(NewRateLimiter(client, nil).Limit(prefix, 2, time.Minute))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), "ratelimit:"+prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	})

	first := get(t, app, "/", "")
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "2", first.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header.Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, get(t, app, "/", "").StatusCode)

	blocked := get(t, app, "/", "")
	assert.Equal(t, http.StatusTooManyRequests, blocked.StatusCode)
	assert.Equal(t, "0", blocked.Header.Get("X-RateLimit-Remaining"))
	retry, err := strconv.Atoi(blocked.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retry)

	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]int `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(blocked.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)
	assert.Equal(t, retry, body.Error.Details["retry_after_seconds"])
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := observability.NewMetrics()
	app := fiber.New()
	app.Use(Metrics(m))
	app.Get("/items/:id", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	app.Get("/boom", func(c *fiber.Ctx) error { return fiber.NewError(http.StatusTeapot, "no") })

	get(t, app, "/items/1", "")
	get(t, app, "/items/2", "")
	get(t, app, "/boom", "")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "bookgen_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range metric.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			counts[labels["route"]+" "+labels["status"]] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, counts["/items/:id 200"])
	assert.Equal(t, 1.0, counts["/boom 418"])
}
