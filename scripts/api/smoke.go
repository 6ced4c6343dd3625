// Minimal end-to-end check of a running hayes admin API. It mints a token
// with the configured secret, reloads one module, and waits for the matching
// lifecycle events on the redis stream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	baseURL  = getenv("API_URL", "http://localhost:8080")
	redisURL = getenv("REDIS_URL", "redis://localhost:6379/0")
	stream   = getenv("HAYES_STREAM", "hayes.modules")
	secret   = os.Getenv("HAYES_JWT_SECRET")
	module   = getenv("MODULE", "ping.lua")
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	if secret == "" {
		log.Fatal("HAYES_JWT_SECRET must be set")
	}
	ctx := context.Background()
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	token := mint()
	health()
	listModules(token)

	// Remember the stream tail so only events caused by this run are read.
	last := tail(ctx, rdb)
	reload(token)
	waitEvents(ctx, rdb, last, "unhooked", "hooked")

	fmt.Println("ok: all endpoints passed")
}

func mint() string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "smoke-" + uuid.NewString()[:8],
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		log.Fatalf("sign: %v", err)
	}
	return tok
}

func health() {
	var resp map[string]any
	do("GET", "/healthz", "", &resp, http.StatusOK)
	fmt.Printf("health: %v\n", resp)
}

func listModules(token string) {
	var resp struct {
		Modules []struct {
			Key      string `json:"key"`
			Commands int    `json:"commands"`
		} `json:"modules"`
	}
	do("GET", "/v1/modules", token, &resp, http.StatusOK)
	for _, m := range resp.Modules {
		fmt.Printf("module %s: %d commands\n", m.Key, m.Commands)
	}
}

func reload(token string) {
	var resp struct {
		Key          string   `json:"key"`
		Declarations []string `json:"declarations"`
	}
	do("POST", "/v1/modules/"+module+"/reload", token, &resp, http.StatusOK)
	if resp.Key != module {
		log.Fatalf("reload: got key %q", resp.Key)
	}
}

func tail(ctx context.Context, rdb *redis.Client) string {
	msgs, err := rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		log.Fatalf("xrevrange: %v", err)
	}
	if len(msgs) == 0 {
		return "0"
	}
	return msgs[0].ID
}

func waitEvents(ctx context.Context, rdb *redis.Client, after string, kinds ...string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for len(kinds) > 0 {
		res, err := rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, after},
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			log.Fatalf("xread waiting for %v: %v", kinds, err)
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				after = msg.ID
				if msg.Values["module"] != module {
					continue
				}
				if msg.Values["kind"] == kinds[0] {
					fmt.Printf("event %s %s\n", kinds[0], module)
					kinds = kinds[1:]
				}
			}
		}
	}
}

func do(method, path, token string, out any, want int) {
	req, err := http.NewRequest(method, baseURL+path, nil)
	if err != nil {
		log.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		log.Fatalf("%s %s: status %d: %s", method, path, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}
