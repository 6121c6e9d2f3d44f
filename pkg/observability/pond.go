package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Pond semantic convention attributes.
var (
	AttrArtifactName  = attribute.Key("pond.artifact.name")
	AttrArtifactClass = attribute.Key("pond.artifact.class")
	AttrVersionName   = attribute.Key("pond.version.name")
	AttrVersionScheme = attribute.Key("pond.version.scheme")
	AttrWriteMode     = attribute.Key("pond.write.mode")
	AttrLockAttempt   = attribute.Key("pond.lock.attempt")
	AttrWriteOutcome  = attribute.Key("pond.write.outcome")
	AttrOperation     = attribute.Key("pond.operation")
)

// ArtifactOperation creates attributes for operations on one artifact.
func ArtifactOperation(artifactName, artifactClass, scheme string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArtifactName.String(artifactName),
		AttrArtifactClass.String(artifactClass),
		AttrVersionScheme.String(scheme),
	}
}

// WriteOperation creates attributes for a version write.
func WriteOperation(artifactName, versionName, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArtifactName.String(artifactName),
		AttrVersionName.String(versionName),
		AttrWriteMode.String(mode),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
