package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 描述 install/activate 等生命周期事件所作用的缓存命名空间。
func LifecycleFields(action, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"cache_name": cacheName,
	}
}

// RequestFields 提供拦截请求的方法/URL/响应来源字段，供请求日志复用。
func RequestFields(requestID, method, target, source string) logrus.Fields {
	return logrus.Fields{
		"action":     "intercept",
		"request_id": requestID,
		"method":     method,
		"url":        target,
		"source":     source,
	}
}
