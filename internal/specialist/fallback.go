package specialist

import "strings"

type fallbackRule struct {
	emotions []string
	triggers []string
	reply    string
}

// fallbackTable picks a canned reply by substring match; first rule wins.
type fallbackTable struct {
	rules []fallbackRule
	def   string
}

func (t fallbackTable) reply(text, emotion string) string {
	emotion = strings.ToLower(strings.TrimSpace(emotion))
	for _, r := range t.rules {
		for _, e := range r.emotions {
			if emotion == e {
				return r.reply
			}
		}
		for _, trig := range r.triggers {
			if strings.Contains(text, trig) {
				return r.reply
			}
		}
	}
	return t.def
}

var educationFallback = fallbackTable{
	rules: []fallbackRule{
		{triggers: []string{"你好"}, reply: "你好！我是你的学习助手，有什么我可以帮你的吗？"},
		{triggers: []string{"数学"}, reply: "数学是一门研究数量、结构、空间以及变化等概念的学科。你想了解数学的哪个方面呢？"},
		{triggers: []string{"语文"}, reply: "语文是学习语言文字运用的课程，包括听说读写各个方面。你想练习哪一部分呢？"},
		{triggers: []string{"英语"}, reply: "英语是世界上使用最广泛的语言之一。学习英语可以帮助你与世界各地的人交流。"},
	},
	def: "我是你的教育助手，我可以帮助你解答学习中的问题。请问你想了解什么内容呢？",
}

var emotionFallback = fallbackTable{
	rules: []fallbackRule{
		{
			emotions: []string{"sad"},
			triggers: []string{"难过", "伤心"},
			reply:    "我理解你现在感到难过。每个人都会有这样的时刻，这很正常。你想和我聊聊是什么让你感到难过吗？",
		},
		{
			emotions: []string{"happy"},
			triggers: []string{"开心", "高兴"},
			reply:    "很高兴听到你很开心！开心的时候可以和我分享你的快乐，让快乐加倍哦！",
		},
		{
			emotions: []string{"angry"},
			triggers: []string{"生气", "愤怒"},
			reply:    "生气是很正常的情绪，但我们要学会管理它。深呼吸几次，告诉我发生了什么吧。",
		},
		{
			emotions: []string{"lonely"},
			triggers: []string{"孤独", "孤单"},
			reply:    "我在这里陪伴你，你并不孤单。我们可以一起聊天，一起玩游戏，让孤单的感觉消失。",
		},
		{
			emotions: []string{"scared", "afraid"},
			triggers: []string{"害怕", "恐惧"},
			reply:    "害怕是人类的本能反应，这说明你有保护自己的意识。告诉我你害怕什么，我们一起想办法克服它。",
		},
	},
	def: "我在这里陪伴你，你可以和我分享你的任何感受。无论开心还是难过，我都会认真倾听。",
}
