// internal/services/mail_router.go
// 郵件路由服務 - 根據寄件者網域選擇對應的 ESP backend

package services

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"mail-relay/internal/anymail"
	"mail-relay/internal/esp"
	"mail-relay/internal/models"
)

// BackendFactory 依 ESP 名稱建立 backend
type BackendFactory func(name string) (*anymail.Backend, error)

// MailRouter 郵件路由服務
// 組織網域的寄件者走 Graph，其他走預設 ESP；工作可指定 ESP 覆寫
type MailRouter struct {
	factory    BackendFactory
	defaultESP string
	orgDomain  string
	log        *zerolog.Logger

	mu       sync.Mutex
	backends map[string]*anymail.Backend
}

// NewMailRouter 建立郵件路由服務
func NewMailRouter(factory BackendFactory, defaultESP, orgDomain string, log *zerolog.Logger) *MailRouter {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &MailRouter{
		factory:    factory,
		defaultESP: esp.Normalize(defaultESP, esp.SendGrid),
		orgDomain:  strings.ToLower(strings.TrimPrefix(strings.TrimSpace(orgDomain), "@")),
		log:        log,
		backends:   make(map[string]*anymail.Backend),
	}
}

// RouteName 決定工作使用的 ESP 名稱
func (r *MailRouter) RouteName(job *models.MailJob) string {
	if job.ESP != "" {
		return esp.Normalize(job.ESP, r.defaultESP)
	}
	if r.isOrgSender(job.FromAddress) {
		return esp.Graph
	}
	return r.defaultESP
}

func (r *MailRouter) isOrgSender(from string) bool {
	if r.orgDomain == "" || from == "" {
		return false
	}
	addr, err := anymail.ParseAddress(from, "")
	if err != nil {
		return false
	}
	domain := strings.ToLower(addr.Domain())
	return domain == r.orgDomain || strings.HasSuffix(domain, "."+r.orgDomain)
}

// Route 取得工作對應的 backend，建立後快取
func (r *MailRouter) Route(job *models.MailJob) (*anymail.Backend, error) {
	name := r.RouteName(job)

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[name]; ok {
		return b, nil
	}
	b, err := r.factory(name)
	if err != nil {
		return nil, err
	}
	r.backends[name] = b
	r.log.Debug().Str("esp", b.ESPName()).Str("from", job.FromAddress).Msg("routed sender")
	return b, nil
}

// Clone 相同路由規則、獨立的 backend 快取
// 每個 worker goroutine 各自持有，backend 的連線 session 不共用
func (r *MailRouter) Clone() *MailRouter {
	return &MailRouter{
		factory:    r.factory,
		defaultESP: r.defaultESP,
		orgDomain:  r.orgDomain,
		log:        r.log,
		backends:   make(map[string]*anymail.Backend),
	}
}

// ValidateConfiguration 預先建立預設 ESP (與組織網域的 Graph) backend
func (r *MailRouter) ValidateConfiguration() error {
	names := []string{r.defaultESP}
	if r.orgDomain != "" && r.defaultESP != esp.Graph {
		names = append(names, esp.Graph)
	}
	for _, name := range names {
		if _, err := r.Route(&models.MailJob{ESP: name}); err != nil {
			return fmt.Errorf("%s backend is not configured: %w", name, err)
		}
	}
	return nil
}
