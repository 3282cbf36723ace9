package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由/主机/命中状态字段，供网关请求日志复用。
func RequestFields(route, host, target string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"route":     route,
		"host":      host,
		"target":    target,
		"cache_hit": cacheHit,
	}
}

// CacheFields 描述一次分区操作，url 为空时省略。
func CacheFields(action, partition, url string) logrus.Fields {
	fields := logrus.Fields{
		"action":    action,
		"partition": partition,
	}
	if url != "" {
		fields["url"] = url
	}
	return fields
}
