package nacos

import (
	"context"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"VeChat/logger"
)

var (
	CurrentConfig string
	configMu      sync.RWMutex
)

// ConfigSource config_client.IConfigClient 中用到的部分
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Watch 先拉一次再监听；apply 在首次和每次变更时调用，ctx 结束时取消监听
func Watch(ctx context.Context, src ConfigSource, dataID, group string, apply func(content string)) error {
	content, err := src.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return err
	}
	updateConfig(content, apply)

	param := vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(namespace, group, dataId, data string) {
			logger.Infof("[nacos] config changed dataId=%s group=%s", dataId, group)
			updateConfig(data, apply)
		},
	}
	if err := src.ListenConfig(param); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		if err := src.CancelListenConfig(vo.ConfigParam{DataId: dataID, Group: group}); err != nil {
			logger.Warnf("[nacos] cancel listen dataId=%s: %v", dataID, err)
		}
	}()
	return nil
}

func updateConfig(data string, apply func(string)) {
	configMu.Lock()
	CurrentConfig = data
	configMu.Unlock()
	if apply != nil && data != "" {
		apply(data)
	}
}

func GetCurrentConfig() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return CurrentConfig
}
