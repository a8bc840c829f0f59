package instagram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"story-vault/app/config"
	"story-vault/app/logger"

	"resty.dev/v3"
)

const defaultBaseURL = "https://i.instagram.com/api/v1"

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Client 远程账号查询能力的实现。
// 会话凭证由外部登录服务签发，失效时通过 RefreshSession 换新。
type Client struct {
	logger *logger.Logger
	cfg    config.InstagramConfig
	http   *resty.Client

	mu      sync.RWMutex
	session *Session
}

// NewClient 创建客户端并加载本地会话
func NewClient(cfg config.InstagramConfig, log *logger.Logger) (*Client, error) {
	session, err := LoadSession(cfg.SessionFile)
	if err != nil {
		return nil, fmt.Errorf("加载会话失败: %w", err)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	httpClient := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(time.Duration(cfg.RequestTimeout) * time.Second).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "*/*")

	return &Client{
		logger:  log,
		cfg:     cfg,
		http:    httpClient,
		session: session,
	}, nil
}

// SetBaseURL 覆盖接口地址（测试用）
func (c *Client) SetBaseURL(baseURL string) {
	c.http.SetBaseURL(baseURL)
}

// Close 释放底层连接
func (c *Client) Close() error {
	return c.http.Close()
}

// authRequest 构造带会话凭证的请求
func (c *Client) authRequest(ctx context.Context) *resty.Request {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	req := c.http.R().SetContext(ctx)
	if session.Authorization != "" {
		req.SetHeader("Authorization", session.Authorization)
	}
	if cookie := session.CookieHeader(); cookie != "" {
		req.SetHeader("Cookie", cookie)
	}
	return req
}

// ReelsTray 聚合查询：一次拿到所有关注账号的未读动态合集
func (c *Client) ReelsTray(ctx context.Context) ([]Reel, error) {
	var result reelsTrayResponse

	resp, err := c.authRequest(ctx).
		SetResult(&result).
		Get("/feed/reels_tray/")
	if err != nil {
		return nil, classifyTransport(err)
	}
	if !resp.IsSuccess() {
		return nil, classifyStatus(resp.StatusCode(), resp.String())
	}

	return result.Tray, nil
}

// UserStories 单账号查询：拉取指定账号当前的全部动态
func (c *Client) UserStories(ctx context.Context, userID int64) ([]ReelItem, error) {
	var result userStoriesResponse

	resp, err := c.authRequest(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/feed/user/%d/story/", userID))
	if err != nil {
		return nil, classifyTransport(err)
	}
	if !resp.IsSuccess() {
		return nil, classifyStatus(resp.StatusCode(), resp.String())
	}

	if result.Reel == nil {
		return nil, nil
	}
	return result.Reel.Items, nil
}

// ResolveUserID 把用户名解析为数字 ID
func (c *Client) ResolveUserID(ctx context.Context, username string) (int64, error) {
	var result userInfoResponse

	resp, err := c.authRequest(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/users/%s/usernameinfo/", username))
	if err != nil {
		return 0, classifyTransport(err)
	}
	if !resp.IsSuccess() {
		return 0, classifyStatus(resp.StatusCode(), resp.String())
	}

	if result.User.PK == 0 {
		return 0, fmt.Errorf("%w: 用户 %s 不存在", ErrPermanent, username)
	}
	return result.User.PK, nil
}

// refreshResponse 登录服务的响应
type refreshResponse struct {
	Success           bool `json:"success"`
	AuthorizationData struct {
		Authorization string            `json:"authorization"`
		UserID        int64             `json:"user_id"`
		Cookies       map[string]string `json:"cookies"`
	} `json:"authorization_data"`
	Message string `json:"message"`
}

// RefreshSession 调用外部登录服务换取新会话。
// 成功后替换内存中的凭证并持久化到会话文件。
func (c *Client) RefreshSession(ctx context.Context) error {
	if c.cfg.LoginServiceURL == "" {
		return fmt.Errorf("%w: 未配置登录服务，无法刷新会话", ErrAuthExpired)
	}

	c.mu.RLock()
	username := c.session.Username
	c.mu.RUnlock()

	var result refreshResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-API-Key", c.cfg.LoginServiceKey).
		SetBody(map[string]string{"username": username}).
		SetResult(&result).
		Post(c.cfg.LoginServiceURL + "/login")
	if err != nil {
		return classifyTransport(err)
	}
	if !resp.IsSuccess() {
		return classifyStatus(resp.StatusCode(), resp.String())
	}
	if !result.Success || result.AuthorizationData.Authorization == "" {
		return fmt.Errorf("%w: 登录服务刷新失败: %s", ErrAuthExpired, result.Message)
	}

	session := &Session{
		Username:      username,
		UserID:        result.AuthorizationData.UserID,
		Authorization: result.AuthorizationData.Authorization,
		Cookies:       result.AuthorizationData.Cookies,
		RefreshedAt:   time.Now(),
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	if err := session.Save(c.cfg.SessionFile); err != nil {
		c.logger.Warnf("保存刷新后的会话失败: %v", err)
	}

	c.logger.Infof("会话刷新成功: %s", username)
	return nil
}
