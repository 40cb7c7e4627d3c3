package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/请求分类/策略/命中状态字段，供代理请求日志复用。
func RequestFields(site, class, strategy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"class":     class,
		"strategy":  strategy,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 提供 worker 版本与缓存代字段，供 install/activate 日志复用。
func LifecycleFields(action, version, shell, runtime string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": version,
		"shell":   shell,
		"runtime": runtime,
	}
}
