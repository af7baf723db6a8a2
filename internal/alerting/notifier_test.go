package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramSenderMessage(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("路径应为 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", srv.URL, time.Second, testLogger())
	if err := sender.Send(context.Background(), "chat", "Binance watcher started", nil); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] != "Binance watcher started" || received["parse_mode"] != "HTML" {
		t.Fatalf("payload 不正确: %#v", received)
	}
}

func TestTelegramSenderPhoto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendPhoto") {
			t.Errorf("路径应为 sendPhoto, 实际 %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("multipart 解析失败: %v", err)
		}
		if r.FormValue("chat_id") != "42" || r.FormValue("caption") != "<b>#BTC</b>" {
			t.Errorf("字段不正确: %v", r.MultipartForm.Value)
		}
		file, header, err := r.FormFile("photo")
		if err != nil {
			t.Errorf("缺少 photo: %v", err)
		} else {
			defer file.Close()
			data, _ := io.ReadAll(file)
			if header.Filename != "graph.png" || string(data) != "png-bytes" {
				t.Errorf("photo 内容不正确: %s %q", header.Filename, data)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", srv.URL, time.Second, testLogger())
	if err := sender.Send(context.Background(), "42", "<b>#BTC</b>", []byte("png-bytes")); err != nil {
		t.Fatalf("sendPhoto 应成功: %v", err)
	}
}

func TestTelegramSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", srv.URL, time.Second, testLogger())
	err := sender.Send(context.Background(), "chat", "x", nil)
	if err == nil {
		t.Fatal("ok=false 应报错")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("错误信息应包含 description: %v", err)
	}
}

func TestSendWithRetryStopsAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", srv.URL, time.Second, testLogger())
	if err := SendWithRetry(context.Background(), sender, "chat", "x", nil, 5, testLogger()); err == nil {
		t.Fatal("持续失败时应返回错误")
	}
	if calls.Load() != 5 {
		t.Fatalf("应尝试 5 次, 实际 %d", calls.Load())
	}
}

func TestBotAPISender(t *testing.T) {
	var photoChat, messageChat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"watch","username":"watch_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendPhoto"):
			photoChat = r.FormValue("chat_id")
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			messageChat = r.FormValue("chat_id")
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":8,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	sender, err := NewBotAPISender("token", srv.URL, time.Second, testLogger())
	if err != nil {
		t.Fatalf("bot api 初始化失败: %v", err)
	}
	if err := sender.Send(context.Background(), "42", "caption", []byte("png")); err != nil {
		t.Fatalf("sendPhoto 应成功: %v", err)
	}
	if err := sender.Send(context.Background(), "42", "text", nil); err != nil {
		t.Fatalf("sendMessage 应成功: %v", err)
	}
	if photoChat != "42" || messageChat != "42" {
		t.Fatalf("chat_id 不正确: photo=%q message=%q", photoChat, messageChat)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
