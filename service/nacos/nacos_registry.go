package nacos

import (
	"strconv"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"VeChat/logger"
	"VeChat/tools/errs"
)

// Naming naming_client.INamingClient 中用到的部分
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

// Registry 把本网关实例登记到 nacos 服务列表
type Registry struct {
	ServiceName string
	IP          string
	Port        uint64
	Group       string
	Metadata    map[string]string

	client Naming
}

func NewRegistry(client Naming, serviceName, ip string, port uint64) *Registry {
	return &Registry{
		ServiceName: serviceName,
		IP:          ip,
		Port:        port,
		Group:       "DEFAULT_GROUP",
		Metadata:    map[string]string{},
		client:      client,
	}
}

// WithGrpcPort 健康检查端口写进 metadata
func (r *Registry) WithGrpcPort(port int) *Registry {
	r.Metadata["grpcPort"] = strconv.Itoa(port)
	return r
}

func (r *Registry) Register() error {
	meta := map[string]string{"protocol": "ws"}
	for k, v := range r.Metadata {
		meta[k] = v
	}
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    meta,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos register", "service", r.ServiceName)
	}
	if !ok {
		return errs.ErrInternal.WrapMsg("nacos register returned false", "service", r.ServiceName)
	}
	logger.Infof("[nacos] registered %s %s:%d", r.ServiceName, r.IP, r.Port)
	return nil
}

func (r *Registry) Deregister() error {
	_, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos deregister", "service", r.ServiceName)
	}
	return nil
}
