package aws

import (
	"context"
	"net/url"

	"github.com/beevik/etree"

	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
)

const stsNamespace = "https://sts.amazonaws.com/doc/2011-06-15/"

func (s *Services) registerSTS(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.AWS, resource.Identity, protocol.WireQuery, services.Ops{
		"GetCallerIdentity": queryHandler(stsNamespace, stsGetCallerIdentity),
	})
}

// stsGetCallerIdentity reports the configured account's root user; every
// caller is treated as that user.
func stsGetCallerIdentity(_ context.Context, rc *protocol.RequestContext, _ *lifecycle.Manager, _ url.Values, result *etree.Element) error {
	result.CreateElement("Arn").SetText("arn:aws:iam::" + rc.Account + ":root")
	result.CreateElement("UserId").SetText(rc.Account)
	result.CreateElement("Account").SetText(rc.Account)
	return nil
}
