package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pslog"

	"tab-session-sync/pkg/auth"
	"tab-session-sync/pkg/models"
)

// DefaultTimeout 每个请求的默认超时
const DefaultTimeout = 12 * time.Second

// Gateway 远端会话存储的请求/响应接口
type Gateway interface {
	ListSessions(ctx context.Context, opts models.ListOptions) ([]models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
	CreateSession(ctx context.Context, name string, isWindowSession bool, tabs []models.TabDraft) (models.Session, error)
	UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	AddTab(ctx context.Context, sessionID string, draft models.TabDraft) (models.Tab, error)
	UpdateTab(ctx context.Context, tabID string, patch models.TabPatch) (models.Tab, error)
	DeleteTab(ctx context.Context, tabID string) error
	RestoreRequest(ctx context.Context, sessionID string) ([]models.Tab, error)

	ListCollaborators(ctx context.Context, sessionID string) ([]models.Collaborator, error)
	AddCollaborator(ctx context.Context, sessionID, userID string, role models.Role) (models.Collaborator, error)
	RemoveCollaborator(ctx context.Context, sessionID, userID string) error
	CreateInvite(ctx context.Context, sessionID string, role models.Role, expiresAt *time.Time) (models.Invite, error)
	AcceptInvite(ctx context.Context, code string) (models.Collaborator, error)
}

// Options RESTGateway 的可选参数
type Options struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     pslog.Logger
	Now        func() time.Time
}

// RESTGateway 通过 PostgREST 风格的 HTTP 接口访问后端
type RESTGateway struct {
	baseURL    string
	apiKey     string
	creds      auth.CredentialSource
	httpClient *http.Client
	timeout    time.Duration
	log        pslog.Logger
	now        func() time.Time
}

// New 创建网关实例
func New(baseURL, apiKey string, creds auth.CredentialSource, opts Options) *RESTGateway {
	// 确保URL格式正确
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "https://" + baseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.Ctx(context.Background())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RESTGateway{
		baseURL:    baseURL,
		apiKey:     apiKey,
		creds:      creds,
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		log:        opts.Logger.With("component", "gateway"),
		now:        opts.Now,
	}
}

// makeRequest 发送HTTP请求。返回的 body 在 2xx 时可能为空。
func (g *RESTGateway) makeRequest(ctx context.Context, op, method, endpoint string, body interface{}, headers map[string]string) ([]byte, error) {
	cred, err := g.creds.Credential(ctx)
	if err != nil || cred.BearerToken == "" {
		return nil, models.NewError(models.KindUnauthorized, op, "not signed in", err)
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, models.NewError(models.KindInvalid, op, "failed to marshal request body", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	target := g.baseURL + "/rest/v1" + endpoint
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, models.NewError(models.KindInvalid, op, "failed to create request", err)
	}

	// 设置请求头
	if g.apiKey != "" {
		req.Header.Set("apikey", g.apiKey)
	}
	req.Header.Set("Authorization", "Bearer "+cred.BearerToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	start := g.now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.log.Debug("request failed", "op", op, "method", method, "endpoint", endpoint, "err", err)
		return nil, models.NewError(models.KindUnavailable, op, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewError(models.KindUnavailable, op, "failed to read response body", err)
	}

	g.log.Debug("request", "op", op, "method", method, "endpoint", endpoint, "status", resp.StatusCode, "elapsed", g.now().Sub(start))

	if resp.StatusCode >= 400 {
		return nil, classify(op, resp.StatusCode, respBody)
	}
	return respBody, nil
}

// restError PostgREST 错误体
type restError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classify 把 HTTP 状态码和错误体映射到错误分类
func classify(op string, status int, body []byte) error {
	var re restError
	_ = json.Unmarshal(body, &re)
	code, message := re.Code, re.Message
	if re.Error != nil {
		if code == "" {
			code = re.Error.Code
		}
		if message == "" {
			message = re.Error.Message
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(status)
	}
	cause := fmt.Errorf("API request failed with status %d: %s", status, message)

	var kind models.ErrorKind
	switch {
	case code == "23505":
		kind = models.KindConflict
	case code == "PGRST116", code == "23503":
		kind = models.KindNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = models.KindUnauthorized
	case status == http.StatusNotFound:
		kind = models.KindNotFound
	case status == http.StatusConflict:
		kind = models.KindConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		kind = models.KindUnavailable
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		kind = models.KindInvalid
	default:
		kind = models.KindInvalid
	}
	return models.NewError(kind, op, message, cause)
}

// decodeRows 解析响应体：数组、单个对象或 {"data": ...} 包装。空或非 JSON 视为空结果。
func decodeRows(body []byte) []map[string]interface{} {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil
	}
	return rowsOf(raw)
}

func rowsOf(raw interface{}) []map[string]interface{} {
	switch v := raw.(type) {
	case []interface{}:
		rows := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if row, ok := item.(map[string]interface{}); ok {
				rows = append(rows, row)
			}
		}
		return rows
	case map[string]interface{}:
		if data, ok := v["data"]; ok && len(v) <= 4 {
			if _, hasID := v["id"]; !hasID {
				return rowsOf(data)
			}
		}
		return []map[string]interface{}{v}
	}
	return nil
}

func eq(value string) string {
	return "eq." + url.QueryEscape(value)
}

func requireID(op, what, id string) error {
	if strings.TrimSpace(id) == "" {
		return models.NewError(models.KindInvalid, op, what+" is required", nil)
	}
	return nil
}
