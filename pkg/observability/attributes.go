package observability

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

// NDA-specific attribute keys.
var (
	AttrOperation   = attribute.Key("ndagate.operation")
	AttrSubjectType = attribute.Key("ndagate.subject.type")
	AttrSubjectID   = attribute.Key("ndagate.subject.id")
	AttrAssetID     = attribute.Key("ndagate.asset.id")
	AttrTier        = attribute.Key("ndagate.tier")
	AttrAllowed     = attribute.Key("ndagate.access.allowed")
	AttrErrorKind   = attribute.Key("ndagate.error.kind")
	AttrErrorCode   = attribute.Key("ndagate.error.code")
)

// Subject describes the entity an operation acts on.
func Subject(t contracts.SubjectType, id string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSubjectType.String(string(t)),
		AttrSubjectID.String(id),
	}
}

// AccessCheck describes a gate query.
func AccessCheck(assetID string, tier contracts.Tier) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAssetID.String(assetID),
		AttrTier.String(string(tier)),
	}
}

// ErrorAttributes classifies err. Untyped errors count as dependency failures.
func ErrorAttributes(err error) []attribute.KeyValue {
	kind, code := contracts.KindOf(err), contracts.CodeOf(err)
	if kind == "" {
		kind, code = contracts.KindDependency, contracts.CodeDependency
	}
	return []attribute.KeyValue{
		AttrErrorKind.String(string(kind)),
		AttrErrorCode.String(string(code)),
	}
}
