package Adhoc

import (
	"GradCamServer/logger"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	RocmInstance   = 0x2004
	TimeOutSeconds = 5
)

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	HTTPPort      int    `json:"httpPort"`
	InstanceClass int    `json:"instanceClass"`
	Service       string `json:"service"`
	ModelLoaded   bool   `json:"modelLoaded"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
	// Interval between heartbeats, TimeOutSeconds when zero.
	Interval time.Duration
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Instance describes this server to the registry. ModelLoaded is polled on
// every heartbeat.
type Instance struct {
	IP            string
	RPCPort       int
	HTTPPort      int
	InstanceClass int
	ModelLoaded   func() bool
}

// ParseInstanceClass maps the config name to its constant, Cpu when unknown.
func ParseInstanceClass(name string) (int, bool) {
	switch strings.ToLower(name) {
	case "dml":
		return DmlInstance, true
	case "cuda":
		return CudaInstance, true
	case "rocm":
		return RocmInstance, true
	case "cpu":
		return CpuInstance, true
	default:
		return CpuInstance, false
	}
}

func GetOutboundIP() (string, error) {
	// UDP dial only selects a route, nothing is sent
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

// SendAliveMessage posts a RegisterRequest immediately and then on every
// interval until ctx is done.
func SendAliveMessage(reg RegServerConfig, inst Instance, ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := reg.Interval
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second)
	id := uuid.NewString()
	url := reg.URL()

	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		loaded := inst.ModelLoaded != nil && inst.ModelLoaded()
		var respBody RegisterResponse
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(RegisterRequest{
				Id:            id,
				IP:            inst.IP,
				Port:          inst.RPCPort,
				HTTPPort:      inst.HTTPPort,
				InstanceClass: inst.InstanceClass,
				Service:       "gradcam",
				ModelLoaded:   loaded,
				TimeStamp:     time.Now().Unix(),
			}).
			SetResult(&respBody).
			Post(url)
		if err != nil {
			if ctx.Err() == nil {
				logger.Log().Error("register request failed", zap.String("url", url), zap.Error(err))
			}
			return
		}
		if resp.IsError() {
			logger.Log().Error("register server returned error",
				zap.String("status", resp.Status()),
				zap.String("body", resp.String()))
			return
		}
		logger.Log().Debug("heartbeat sent", zap.String("id", id), zap.Bool("accepted", respBody.Success))
	}

	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
