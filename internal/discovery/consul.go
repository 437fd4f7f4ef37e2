package discovery

import (
	"fmt"
	"net"
	"strconv"

	"github.com/hashicorp/consul/api"
)

type ConsulClient struct {
	client *api.Client
}

type ServiceConfig struct {
	Name string
	ID   string
	// Address is registered as-is; empty means the outbound IP.
	Address string
	Port    int
	Tags    []string
}

func NewConsulClient(addr string) (*ConsulClient, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to Consul: %w", err)
	}

	return &ConsulClient{client: client}, nil
}

// getOutboundIP gets the preferred outbound IP of this machine
func getOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// Register registers a service and its /health check with the local agent.
// It returns the address that was registered.
func (c *ConsulClient) Register(cfg ServiceConfig) (string, error) {
	host := cfg.Address
	if host == "" {
		host = getOutboundIP()
	}

	registration := &api.AgentServiceRegistration{
		ID:      cfg.ID,
		Name:    cfg.Name,
		Port:    cfg.Port,
		Address: host,
		Tags:    cfg.Tags,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s/health", net.JoinHostPort(host, fmt.Sprint(cfg.Port))),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return "", fmt.Errorf("failed to register service: %w", err)
	}
	return host, nil
}

// Deregister removes a service from Consul
func (c *ConsulClient) Deregister(serviceID string) error {
	if err := c.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

// GetService returns a healthy instance of a service
func (c *ConsulClient) GetService(serviceName string) (string, int, error) {
	services, _, err := c.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get service: %w", err)
	}

	if len(services) == 0 {
		return "", 0, fmt.Errorf("no healthy instances of %s found", serviceName)
	}

	service := services[0].Service
	address := service.Address
	if address == "" {
		address = "localhost"
	}

	return address, service.Port, nil
}

// GetServiceURL returns the base URL of a healthy instance.
func (c *ConsulClient) GetServiceURL(serviceName string) (string, error) {
	address, port, err := c.GetService(serviceName)
	if err != nil {
		return "", err
	}

	return "http://" + net.JoinHostPort(address, fmt.Sprint(port)), nil
}

// PortFromAddr extracts the port of a listen address such as ":8082".
func PortFromAddr(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return strconv.Atoi(port)
}
