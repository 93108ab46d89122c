package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/domain/generation/命中状态字段，供代理请求日志复用。
func RequestFields(origin, domain, generation, clientID string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":     origin,
		"domain":     domain,
		"generation": generation,
		"client_id":  clientID,
		"cache_hit":  cacheHit,
	}
}

// LifecycleFields 标记 install/activate 等阶段日志。
func LifecycleFields(generation, phase string) logrus.Fields {
	return logrus.Fields{
		"generation": generation,
		"phase":      phase,
	}
}
