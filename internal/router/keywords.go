package router

import "github.com/normanking/edubuddy/pkg/types"

// Default trigger keywords per specialist. Matching is case-insensitive, so
// entries are stored as authored and lowered when the router is built.
var (
	educationKeywords = []string{
		"学习", "知识", "问题", "数学", "语文", "英语", "科学", "历史", "地理",
		"物理", "化学", "生物", "计算", "怎么", "为什么", "什么", "解释", "教学",
		"课程", "作业", "练习", "考试", "成绩", "技能",
	}

	emotionKeywords = []string{
		"心情", "开心", "难过", "生气", "害怕", "紧张", "孤独", "无聊", "兴奋",
		"沮丧", "焦虑", "朋友", "家人", "父母", "老师", "同学", "玩耍", "游戏",
		"娱乐", "有趣", "快乐", "伤心", "郁闷",
	}
)

// DefaultConfig returns the built-in keyword tables with education as the
// default specialist.
func DefaultConfig() Config {
	return Config{
		Default: types.SpecialistEducation.String(),
		Keywords: map[string][]string{
			types.SpecialistEducation.String(): append([]string(nil), educationKeywords...),
			types.SpecialistEmotion.String():   append([]string(nil), emotionKeywords...),
		},
	}
}
