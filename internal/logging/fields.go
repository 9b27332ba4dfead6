package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/domain/命名空间/缓存结果字段，供代理请求日志复用。
func RequestFields(origin, domain, namespace, cacheResult string) logrus.Fields {
	return logrus.Fields{
		"origin":       origin,
		"domain":       domain,
		"namespace":    namespace,
		"cache_result": cacheResult,
	}
}

// SubmissionFields 描述单条待同步提交，供同步循环与提交入口复用。
func SubmissionFields(action, localID string, attempts int) logrus.Fields {
	return logrus.Fields{
		"action":   action,
		"local_id": localID,
		"attempts": attempts,
	}
}
