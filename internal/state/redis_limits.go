package state

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RedisLimitConfig struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
}

// RedisLimitStore keeps each user's window in a sorted set scored by request
// timestamp. CheckAndAdd runs a WATCH/MULTI/EXEC round so concurrent gateways
// sharing one redis never over-admit; a conflicting EXEC is retried.
type RedisLimitStore struct {
	cfg RedisLimitConfig
}

func NewRedisLimitStore(cfg RedisLimitConfig) *RedisLimitStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "shiksha:userwindow"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &RedisLimitStore{cfg: cfg}
}

func (s *RedisLimitStore) key(userID string) string {
	return s.cfg.KeyPrefix + ":" + userID
}

func (s *RedisLimitStore) Connect(ctx context.Context) error {
	conn, rw, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := respWrite(rw, "PING"); err != nil {
		return err
	}
	_, err = respRead(rw)
	return err
}

func (s *RedisLimitStore) Close() error { return nil }

func (s *RedisLimitStore) CheckAndAdd(ctx context.Context, userID string, limit int, nowMillis int64, window time.Duration) (bool, float64, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	conn, rw, err := s.connect(ctx)
	if err != nil {
		return false, 0, err
	}
	defer conn.Close()

	key := s.key(userID)
	cutoff := nowMillis - window.Milliseconds()

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if err := respWrite(rw, "WATCH", key); err != nil {
			return false, 0, err
		}
		if _, err := respRead(rw); err != nil {
			return false, 0, err
		}

		count, err := s.countInWindow(rw, key, cutoff)
		if err != nil {
			return false, 0, err
		}
		if count >= limit {
			retry, err := s.retryAfter(rw, key, cutoff, nowMillis, window)
			if err != nil {
				return false, 0, err
			}
			if err := respWrite(rw, "UNWATCH"); err != nil {
				return false, 0, err
			}
			if _, err := respRead(rw); err != nil {
				return false, 0, err
			}
			return false, retry, nil
		}

		member := strconv.FormatInt(nowMillis, 10) + "-" + uuid.NewString()[:8]
		if err := respWrite(rw, "MULTI"); err != nil {
			return false, 0, err
		}
		if _, err := respRead(rw); err != nil {
			return false, 0, err
		}
		cmds := [][]string{
			{"ZREMRANGEBYSCORE", key, "-inf", strconv.FormatInt(cutoff, 10)},
			{"ZADD", key, strconv.FormatInt(nowMillis, 10), member},
			{"EXPIRE", key, strconv.Itoa(int(window.Seconds()) + 1)},
		}
		for _, c := range cmds {
			if err := respWrite(rw, c...); err != nil {
				return false, 0, err
			}
			if _, err := respRead(rw); err != nil {
				return false, 0, err
			}
		}
		if err := respWrite(rw, "EXEC"); err != nil {
			return false, 0, err
		}
		resp, err := respRead(rw)
		if err != nil {
			return false, 0, err
		}
		if resp != nil {
			return true, 0, nil
		}
		// watched key changed under us, retry the whole round
	}
	return false, 0, errors.New("redis limit store: transaction retries exhausted")
}

func (s *RedisLimitStore) countInWindow(rw *bufio.ReadWriter, key string, cutoff int64) (int, error) {
	if err := respWrite(rw, "ZCOUNT", key, "("+strconv.FormatInt(cutoff, 10), "+inf"); err != nil {
		return 0, err
	}
	resp, err := respRead(rw)
	if err != nil {
		return 0, err
	}
	return respAtoi(resp)
}

func (s *RedisLimitStore) retryAfter(rw *bufio.ReadWriter, key string, cutoff, nowMillis int64, window time.Duration) (float64, error) {
	if err := respWrite(rw, "ZRANGEBYSCORE", key, "("+strconv.FormatInt(cutoff, 10), "+inf", "WITHSCORES", "LIMIT", "0", "1"); err != nil {
		return 0, err
	}
	resp, err := respRead(rw)
	if err != nil {
		return 0, err
	}
	arr, err := respStrings(resp)
	if err != nil {
		return 0, err
	}
	if len(arr) < 2 {
		return window.Seconds(), nil
	}
	oldest, err := strconv.ParseFloat(arr[1], 64)
	if err != nil {
		return 0, err
	}
	retry := window.Seconds() - (float64(nowMillis)-oldest)/1000.0
	if retry < 0 {
		retry = 0
	}
	return retry, nil
}

func (s *RedisLimitStore) connect(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, nil, err
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if s.cfg.Password != "" {
		if err := respWrite(rw, "AUTH", s.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := respRead(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	if s.cfg.DB > 0 {
		if err := respWrite(rw, "SELECT", strconv.Itoa(s.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := respRead(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, rw, nil
}

func respWrite(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func respRead(rw *bufio.ReadWriter) (any, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v, err := respRead(rw)
			if err != nil {
				return nil, err
			}
			if v == nil {
				arr = append(arr, "")
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("unexpected redis array element")
			}
			arr = append(arr, s)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}

func respStrings(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]string)
	if !ok {
		return nil, errors.New("unexpected redis array response type")
	}
	return arr, nil
}

func respAtoi(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected redis integer response type")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
