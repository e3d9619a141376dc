package rpcpool

import (
	"io"
	"net/rpc"

	codec "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/hashicorp/nu/structs"
)

// msgpackClientCodec and msgpackServerCodec adapt net/rpc's wire framing to
// the archive codec in package structs, the same pairing nomad's
// net-rpc-msgpackrpc module provides for nomad-rpc.go's rpc.NewServer().
type msgpackClientCodec struct {
	rwc io.ReadWriteCloser
	dec *codec.Decoder
	enc *codec.Encoder
}

// NewClientCodec returns a net/rpc ClientCodec that frames requests and
// responses with the shared archive handle.
func NewClientCodec(rwc io.ReadWriteCloser) rpc.ClientCodec {
	return &msgpackClientCodec{
		rwc: rwc,
		dec: codec.NewDecoder(rwc, structs.MsgpackHandle),
		enc: codec.NewEncoder(rwc, structs.MsgpackHandle),
	}
}

func (c *msgpackClientCodec) WriteRequest(r *rpc.Request, body interface{}) error {
	if err := c.enc.Encode(r); err != nil {
		return err
	}
	return c.enc.Encode(body)
}

func (c *msgpackClientCodec) ReadResponseHeader(r *rpc.Response) error {
	return c.dec.Decode(r)
}

func (c *msgpackClientCodec) ReadResponseBody(body interface{}) error {
	return c.dec.Decode(body)
}

func (c *msgpackClientCodec) Close() error {
	return c.rwc.Close()
}

type msgpackServerCodec struct {
	rwc io.ReadWriteCloser
	dec *codec.Decoder
	enc *codec.Encoder
}

// NewServerCodec returns a net/rpc ServerCodec used by the proclet server
// to serve requests off an accepted yamux stream.
func NewServerCodec(rwc io.ReadWriteCloser) rpc.ServerCodec {
	return &msgpackServerCodec{
		rwc: rwc,
		dec: codec.NewDecoder(rwc, structs.MsgpackHandle),
		enc: codec.NewEncoder(rwc, structs.MsgpackHandle),
	}
}

func (c *msgpackServerCodec) ReadRequestHeader(r *rpc.Request) error {
	return c.dec.Decode(r)
}

func (c *msgpackServerCodec) ReadRequestBody(body interface{}) error {
	if body == nil {
		return nil
	}
	return c.dec.Decode(body)
}

func (c *msgpackServerCodec) WriteResponse(r *rpc.Response, body interface{}) error {
	if err := c.enc.Encode(r); err != nil {
		return err
	}
	return c.enc.Encode(body)
}

func (c *msgpackServerCodec) Close() error {
	return c.rwc.Close()
}
