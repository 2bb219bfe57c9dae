package fusion

import "time"

// Modality 分类来源模态
type Modality string

const (
	ModalityFacial Modality = "facial"
	ModalityAudio  Modality = "audio"
)

// IsValid 检查模态取值是否合法
func (m Modality) IsValid() bool {
	return m == ModalityFacial || m == ModalityAudio
}

// 分类器输出的情绪标签集合
const (
	EmotionNeutral   = "neutral"
	EmotionCalm      = "calm"
	EmotionHappy     = "happy"
	EmotionSad       = "sad"
	EmotionAngry     = "angry"
	EmotionFearful   = "fearful"
	EmotionDisgust   = "disgust"
	EmotionSurprised = "surprised"
)

// emotionColors 情绪标签到overlay渲染颜色的映射
var emotionColors = map[string]string{
	EmotionNeutral:   "#9E9E9E",
	EmotionCalm:      "#4FC3F7",
	EmotionHappy:     "#FFD54F",
	EmotionSad:       "#5C6BC0",
	EmotionAngry:     "#E53935",
	EmotionFearful:   "#8E24AA",
	EmotionDisgust:   "#7CB342",
	EmotionSurprised: "#FF8A65",
}

// EmotionColor 返回情绪标签的渲染颜色，未知标签回落到neutral色
func EmotionColor(label string) string {
	if color, ok := emotionColors[label]; ok {
		return color
	}
	return emotionColors[EmotionNeutral]
}

// Region 人脸检测返回的归一化包围区域
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ClassificationResult 外部分类器产出的单次分析结果
// Timestamp是采集时间而非到达时间；两个模态异步、乱序到达
type ClassificationResult struct {
	SessionID    string             `json:"session_id"`
	Modality     Modality           `json:"modality"`
	Timestamp    time.Time          `json:"timestamp"`
	EmotionLabel string             `json:"emotion"`
	Confidence   float64            `json:"confidence"`
	Scores       map[string]float64 `json:"scores,omitempty"`

	// Regions 仅facial模态携带
	Regions []Region `json:"regions,omitempty"`
	// VoiceActivity 仅audio模态携带
	VoiceActivity bool `json:"voice_activity,omitempty"`
}

// FacialOverlay 一个面部overlay元素
type FacialOverlay struct {
	Region     Region  `json:"region"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Color      string  `json:"color"`
	Opacity    float64 `json:"opacity"`
	Dominant   bool    `json:"dominant"`
}

// AudioOverlay 语音语调overlay元素
type AudioOverlay struct {
	Label         string  `json:"label"`
	Confidence    float64 `json:"confidence"`
	Color         string  `json:"color"`
	Opacity       float64 `json:"opacity"`
	VoiceActivity bool    `json:"voice_activity"`
}

// OverlayPayload 融合后的输出，每个tick至多产出一个
// 面部与语音情绪始终作为两个独立的overlay元素呈现，不合并标签
type OverlayPayload struct {
	SessionID        string          `json:"session_id"`
	EmittedAt        time.Time       `json:"emitted_at"`
	FacialOverlays   []FacialOverlay `json:"facial_overlays"`
	AudioOverlay     *AudioOverlay   `json:"audio_overlay,omitempty"`
	AgeOfNewestInput int64           `json:"age_of_newest_input_ms"`
}
