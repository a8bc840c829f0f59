package instagram

// 媒体类型的线上取值：1 图片，2 视频
const (
	WireMediaImage = 1
	WireMediaVideo = 2
)

// MediaVersion 一个分辨率变体
type MediaVersion struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ReelItem 单条动态的线上结构
type ReelItem struct {
	PK        string `json:"pk"`
	ID        string `json:"id"`
	MediaType int    `json:"media_type"`
	TakenAt   int64  `json:"taken_at"`

	VideoVersions []MediaVersion `json:"video_versions"`
	ImageVersions struct {
		Candidates []MediaVersion `json:"candidates"`
	} `json:"image_versions2"`

	Caption *struct {
		Text string `json:"text"`
	} `json:"caption"`
}

// StoryID 动态 ID，pk 优先
func (r *ReelItem) StoryID() string {
	if r.PK != "" {
		return r.PK
	}
	return r.ID
}

// Reel 一个账号的动态合集
type Reel struct {
	User struct {
		PK       int64  `json:"pk"`
		Username string `json:"username"`
	} `json:"user"`
	Items []ReelItem `json:"items"`
}

// reelsTrayResponse feed/reels_tray 的响应
type reelsTrayResponse struct {
	Tray []Reel `json:"tray"`
}

// userStoriesResponse feed/user/{id}/story 的响应
type userStoriesResponse struct {
	Reel *Reel `json:"reel"`
}

// userInfoResponse users/{username}/usernameinfo 的响应
type userInfoResponse struct {
	User struct {
		PK       int64  `json:"pk"`
		Username string `json:"username"`
	} `json:"user"`
}
