package mongoutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

func TestNormalizeBuildsURI(t *testing.T) {
	c := &Config{Address: []string{"h1:27017", "h2:27017"}, Database: "vechat", Username: "u", Password: "p", ReplicaSet: "rs0"}
	require.NoError(t, c.Normalize())
	assert.Equal(t, defaultPoolSize, c.MaxPoolSize)
	assert.Equal(t, defaultConnectTimeout, c.ConnectTimeout)
	assert.Equal(t, "mongodb://u:p@h1:27017,h2:27017/vechat?authSource=vechat&maxPoolSize=100&replicaSet=rs0", c.Uri)

	c = &Config{Address: []string{"h1"}, Database: "vechat", AuthSource: "admin", MaxPoolSize: 5}
	require.NoError(t, c.Normalize())
	assert.Equal(t, "mongodb://h1/vechat?authSource=admin&maxPoolSize=5", c.Uri)

	c = &Config{Uri: "mongodb://x/?replicaSet=rs0", Database: "vechat"}
	require.NoError(t, c.Normalize())
	assert.Equal(t, "mongodb://x/?replicaSet=rs0", c.Uri)
}

func TestNormalizeRejects(t *testing.T) {
	err := (&Config{Database: "x"}).Normalize()
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))

	err = (&Config{Uri: "mongodb://localhost"}).Normalize()
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(mongo.CommandError{Code: 18}))
	assert.False(t, Retryable(mongo.CommandError{Code: 13}))
	assert.True(t, Retryable(mongo.CommandError{Code: 6}))
	assert.False(t, Retryable(context.Canceled))
	assert.True(t, Retryable(errs.New("server selection timeout")))
}

func TestChatIndexesCoverCollections(t *testing.T) {
	specs := ChatIndexes()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Table.GetTableName())
		assert.NotEmpty(t, s.Models)
	}
	assert.ElementsMatch(t, []string{
		(&model.Conversation{}).GetTableName(),
		(&model.Message{}).GetTableName(),
	}, names)

	unique := specs[0].Models[0]
	require.NotNil(t, unique.Options)
	require.NotNil(t, unique.Options.Unique)
	assert.True(t, *unique.Options.Unique)
}
