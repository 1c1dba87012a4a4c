package config

import "sync/atomic"

// Settings 持有可热更新的答题参数快照，读取方每次调用 Load 获取一致的视图
type Settings struct {
	current atomic.Pointer[AssessmentConfig]
}

func NewSettings(cfg AssessmentConfig) *Settings {
	s := &Settings{}
	s.Store(cfg)
	return s
}

// Load 对 nil 接收者返回默认值
func (s *Settings) Load() AssessmentConfig {
	if s == nil {
		return DefaultAssessmentConfig()
	}
	if p := s.current.Load(); p != nil {
		return *p
	}
	return DefaultAssessmentConfig()
}

func (s *Settings) Store(cfg AssessmentConfig) {
	cfg = cfg.withDefaults()
	s.current.Store(&cfg)
}
