package protocol

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

func TestRequestContext_Form(t *testing.T) {
	rc := &RequestContext{
		Query: url.Values{"Action": {"ListTopics"}},
		Body:  []byte("Action=CreateTopic&Name=orders"),
	}
	form, err := rc.Form()
	require.NoError(t, err)
	assert.Equal(t, "CreateTopic", form.Get("Action"), "body wins over query")
	assert.Equal(t, "orders", form.Get("Name"))

	rc.Body = []byte("%zz")
	_, err = rc.Form()
	assert.ErrorIs(t, err, ErrMalformedBody)
}

func TestRequestContext_DecodeJSON(t *testing.T) {
	var v struct{ TableName string }
	rc := &RequestContext{Body: []byte(`{"TableName":"users"}`)}
	require.NoError(t, rc.DecodeJSON(&v))
	assert.Equal(t, "users", v.TableName)

	assert.NoError(t, (&RequestContext{}).DecodeJSON(&v), "empty body is allowed")
	assert.ErrorIs(t, (&RequestContext{Body: []byte("{")}).DecodeJSON(&v), ErrMalformedBody)
}

func TestRequestContext_DecodeXML(t *testing.T) {
	rc := &RequestContext{Body: []byte(`<CreateBucketConfiguration><LocationConstraint>eu-west-1</LocationConstraint></CreateBucketConfiguration>`)}
	doc, err := rc.DecodeXML()
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", doc.FindElement("//LocationConstraint").Text())

	_, err = (&RequestContext{Body: []byte("<open>")}).DecodeXML()
	assert.ErrorIs(t, err, ErrMalformedBody)
}

func TestRequestContext_Params(t *testing.T) {
	rc := &RequestContext{Provider: resource.GCP, Service: resource.PubSub, Query: url.Values{"comp": {""}}}
	assert.Equal(t, "", rc.Param("topic"))
	rc.SetParam("topic", "t1")
	assert.Equal(t, "t1", rc.Param("topic"))
	assert.True(t, rc.HasQuery("comp"))
	assert.False(t, rc.HasQuery("restype"))
	assert.Equal(t, "gcp/pub-sub/x", rc.Key("x").String())
}

func TestXMLResponse(t *testing.T) {
	doc := NewXMLDocument()
	doc.CreateElement("ListAllMyBucketsResult").CreateElement("Buckets")
	resp, err := XML(200, doc)
	require.NoError(t, err)
	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(resp.Body), `<?xml version="1.0" encoding="UTF-8"?>`)
	assert.Contains(t, string(resp.Body), "<ListAllMyBucketsResult><Buckets/></ListAllMyBucketsResult>")
}
