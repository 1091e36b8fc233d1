// Package payment предоставляет клиент внешнего платёжного провайдера.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// Config содержит параметры подключения к платёжному провайдеру.
type Config struct {
	// PID — идентификатор мерчанта.
	PID string
	// Key — общий секрет для подписи запросов.
	Key string
	// Endpoint — адрес API провайдера.
	Endpoint string
	// CallbackHost — базовый адрес, на который провайдер шлёт уведомления.
	CallbackHost string
	// ServiceName — отображаемое имя сервиса в описании платежа.
	ServiceName string
}

// Client инкапсулирует схему подписи и HTTP-взаимодействие с провайдером.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// TradeResponse описывает ответ провайдера на создание платежа.
// Code меньше нуля означает ошибку, в том числе синтетическую при сбое транспорта.
type TradeResponse struct {
	Code      int    `json:"code"`
	Msg       string `json:"msg,omitempty"`
	TradeNo   string `json:"trade_no,omitempty"`
	PayURL    string `json:"payurl,omitempty"`
	QRCode    string `json:"qrcode,omitempty"`
	URLScheme string `json:"urlscheme,omitempty"`
}

// NewClient создаёт клиент провайдера с ограниченным временем ожидания
// и повтором запросов при сетевых сбоях.
func NewClient(cfg Config) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.HTTPClient.Timeout = 10 * time.Second

	return &Client{
		cfg:        cfg,
		httpClient: rc.StandardClient(),
	}
}

// DeviceFromUA классифицирует устройство по строке User-Agent.
// Порядок проверок важен: например, "Android QQ" должен определяться как qq.
func DeviceFromUA(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, "micromessenger"):
		return "wechat"
	case strings.Contains(ua, "qq"):
		return "qq"
	case strings.Contains(ua, "alipay"):
		return "alipay"
	case strings.Contains(ua, "android"), strings.Contains(ua, "iphone"):
		return "mobile"
	default:
		return "pc"
	}
}

// Sign подписывает платёж: пары key=value без пустых значений и служебных полей
// сортируются, соединяются через & и хэшируются MD5 вместе с секретом.
// Исходный payload не изменяется.
func (c *Client) Sign(payload map[string]string) map[string]string {
	params := make([]string, 0, len(payload))
	for k, v := range payload {
		if v == "" || k == "sign" || k == "sign_type" {
			continue
		}
		params = append(params, k+"="+v)
	}
	sort.Strings(params)

	sum := md5.Sum([]byte(strings.Join(params, "&") + c.cfg.Key))

	signed := make(map[string]string, len(payload)+2)
	for k, v := range payload {
		signed[k] = v
	}
	signed["sign"] = hex.EncodeToString(sum[:])
	signed["sign_type"] = "MD5"

	return signed
}

// Verify проверяет подлинность входящего уведомления: идентификатор мерчанта
// должен совпадать с конфигурацией, а подпись — с пересчитанной.
// Сравнение подписи выполняется за константное время. Любое отсутствующее
// или искажённое поле даёт false.
func (c *Client) Verify(payload map[string]string) bool {
	if payload["pid"] != c.cfg.PID {
		return false
	}

	signed := c.Sign(payload)

	return hmac.Equal([]byte(payload["sign"]), []byte(signed["sign"])) &&
		payload["sign_type"] == signed["sign_type"]
}

// CreateTrade создаёт платёж у провайдера и возвращает разобранный ответ.
// Сбой транспорта не приводит к ошибке: вместо неё возвращается синтетический
// ответ с Code = -1 и причиной в Msg.
func (c *Client) CreateTrade(ctx context.Context, payType, outTradeNo string, amount decimal.Decimal, clientIP, ua string) *TradeResponse {
	payload := map[string]string{
		"pid":          c.cfg.PID,
		"type":         payType,
		"out_trade_no": outTradeNo,
		"notify_url":   strings.TrimRight(c.cfg.CallbackHost, "/") + "/api/v1/credit/callback",
		"return_url":   c.cfg.CallbackHost,
		"name":         c.cfg.ServiceName + " Credit",
		"money":        amount.StringFixed(2),
		"clientip":     clientIP,
		"device":       DeviceFromUA(ua),
	}
	payload = c.Sign(payload)

	query := url.Values{}
	for k, v := range payload {
		query.Set(k, v)
	}
	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + "/mapi.php?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return &TradeResponse{Code: -1, Msg: fmt.Sprintf("create request: %v", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TradeResponse{Code: -1, Msg: fmt.Sprintf("do request: %v", err)}
	}
	defer resp.Body.Close()

	var result TradeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &TradeResponse{Code: -1, Msg: fmt.Sprintf("decode response: %v", err)}
	}

	return &result
}
