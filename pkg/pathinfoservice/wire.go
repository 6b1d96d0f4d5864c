package pathinfoservice

import (
	"fmt"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/storev1"
	"github.com/nix-community/go-nix/pkg/storepath"
	"google.golang.org/protobuf/encoding/protowire"
)

// Canonical at-rest encoding of a PathInfo record. Not part of the
// ecosystem's wire schema (which has no public Go PathInfo message in
// this codebase to mirror); this is this store's own persisted format.
const (
	fieldPathInfoNode       protowire.Number = 1
	fieldPathInfoReferences protowire.Number = 2
	fieldPathInfoNarinfo    protowire.Number = 3

	fieldNarinfoSize          protowire.Number = 1
	fieldNarinfoSha256        protowire.Number = 2
	fieldNarinfoReferenceName protowire.Number = 3
	fieldNarinfoSignature     protowire.Number = 4
	fieldNarinfoDeriver       protowire.Number = 5
	fieldNarinfoCAMethod      protowire.Number = 6
	fieldNarinfoCAHash        protowire.Number = 7

	fieldSignatureName protowire.Number = 1
	fieldSignatureData protowire.Number = 2
)

func marshalPathInfo(p *storev1.PathInfo) []byte {
	var b []byte

	b = protowire.AppendTag(b, fieldPathInfoNode, protowire.BytesType)
	b = protowire.AppendBytes(b, castorev1.MarshalNode(p.Node))

	for _, ref := range p.References {
		b = protowire.AppendTag(b, fieldPathInfoReferences, protowire.BytesType)
		b = protowire.AppendBytes(b, ref)
	}

	if p.Narinfo != nil {
		b = protowire.AppendTag(b, fieldPathInfoNarinfo, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalNarinfo(p.Narinfo))
	}

	return b
}

func marshalNarinfo(ni *storev1.NARInfo) []byte {
	var b []byte

	b = protowire.AppendTag(b, fieldNarinfoSize, protowire.VarintType)
	b = protowire.AppendVarint(b, ni.NarSize)

	b = protowire.AppendTag(b, fieldNarinfoSha256, protowire.BytesType)
	b = protowire.AppendBytes(b, ni.NarSha256)

	for _, name := range ni.ReferenceNames {
		b = protowire.AppendTag(b, fieldNarinfoReferenceName, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(name))
	}

	for _, sig := range ni.Signatures {
		b = protowire.AppendTag(b, fieldNarinfoSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSignature(sig))
	}

	if ni.Deriver != nil {
		b = protowire.AppendTag(b, fieldNarinfoDeriver, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(ni.Deriver.String()))
	}

	if ni.CA != nil {
		b = protowire.AppendTag(b, fieldNarinfoCAMethod, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ni.CA.Method))
		b = protowire.AppendTag(b, fieldNarinfoCAHash, protowire.BytesType)
		b = protowire.AppendBytes(b, ni.CA.Hash.Bytes())
	}

	return b
}

func marshalSignature(sig storev1.Signature) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSignatureName, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(sig.Name))
	b = protowire.AppendTag(b, fieldSignatureData, protowire.BytesType)
	b = protowire.AppendBytes(b, sig.Data)
	return b
}

func unmarshalPathInfo(raw []byte) (*storev1.PathInfo, error) {
	p := &storev1.PathInfo{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("invalid pathinfo encoding: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		if typ != protowire.BytesType {
			c := protowire.ConsumeFieldValue(num, typ, raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid pathinfo encoding: %w", protowire.ParseError(c))
			}
			raw = raw[c:]
			continue
		}

		field, c := protowire.ConsumeBytes(raw)
		if c < 0 {
			return nil, fmt.Errorf("invalid pathinfo encoding: %w", protowire.ParseError(c))
		}
		raw = raw[c:]

		switch num {
		case fieldPathInfoNode:
			node, err := castorev1.UnmarshalNode(field)
			if err != nil {
				return nil, err
			}
			p.Node = node
		case fieldPathInfoReferences:
			p.References = append(p.References, append([]byte(nil), field...))
		case fieldPathInfoNarinfo:
			ni, err := unmarshalNarinfo(field)
			if err != nil {
				return nil, err
			}
			p.Narinfo = ni
		}
	}
	return p, nil
}

func unmarshalNarinfo(raw []byte) (*storev1.NARInfo, error) {
	ni := &storev1.NARInfo{}
	var caMethod *storev1.ContentAddressMethod
	var caHash []byte

	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("invalid narinfo encoding: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch {
		case num == fieldNarinfoSize && typ == protowire.VarintType:
			v, c := protowire.ConsumeVarint(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid narinfo encoding: %w", protowire.ParseError(c))
			}
			ni.NarSize = v
			raw = raw[c:]
		case num == fieldNarinfoSha256 && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid narinfo encoding: %w", protowire.ParseError(c))
			}
			ni.NarSha256 = append([]byte(nil), v...)
			raw = raw[c:]
		case num == fieldNarinfoReferenceName && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid narinfo encoding: %w", protowire.ParseError(c))
			}
			ni.ReferenceNames = append(ni.ReferenceNames, string(v))
			raw = raw[c:]
		case num == fieldNarinfoSignature && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid narinfo encoding: %w", protowire.ParseError(c))
			}
			sig, err := unmarshalSignature(v)
			if err != nil {
				return nil, err
			}
			ni.Signatures = append(ni.Signatures, sig)
			raw = raw[c:]
		case num == fieldNarinfoDeriver && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid narinfo encoding: %w", protowire.ParseError(c))
			}
			sp, err := storepath.FromString(string(v))
			if err != nil {
				return nil, fmt.Errorf("invalid deriver: %w", err)
			}
			ni.Deriver = sp
			raw = raw[c:]
		case num == fieldNarinfoCAMethod && typ == protowire.VarintType:
			v, c := protowire.ConsumeVarint(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid narinfo encoding: %w", protowire.ParseError(c))
			}
			m := storev1.ContentAddressMethod(v)
			caMethod = &m
			raw = raw[c:]
		case num == fieldNarinfoCAHash && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid narinfo encoding: %w", protowire.ParseError(c))
			}
			caHash = append([]byte(nil), v...)
			raw = raw[c:]
		default:
			c := protowire.ConsumeFieldValue(num, typ, raw)
			if c < 0 {
				return nil, fmt.Errorf("invalid narinfo encoding: %w", protowire.ParseError(c))
			}
			raw = raw[c:]
		}
	}

	if caMethod != nil {
		digest, err := castorev1.NewB3Digest(caHash)
		if err != nil {
			return nil, fmt.Errorf("invalid content address hash: %w", err)
		}
		ni.CA = &storev1.ContentAddress{Method: *caMethod, Hash: digest}
	}

	return ni, nil
}

func unmarshalSignature(raw []byte) (storev1.Signature, error) {
	var sig storev1.Signature
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return sig, fmt.Errorf("invalid signature encoding: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch {
		case num == fieldSignatureName && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return sig, fmt.Errorf("invalid signature encoding: %w", protowire.ParseError(c))
			}
			sig.Name = string(v)
			raw = raw[c:]
		case num == fieldSignatureData && typ == protowire.BytesType:
			v, c := protowire.ConsumeBytes(raw)
			if c < 0 {
				return sig, fmt.Errorf("invalid signature encoding: %w", protowire.ParseError(c))
			}
			sig.Data = append([]byte(nil), v...)
			raw = raw[c:]
		default:
			c := protowire.ConsumeFieldValue(num, typ, raw)
			if c < 0 {
				return sig, fmt.Errorf("invalid signature encoding: %w", protowire.ParseError(c))
			}
			raw = raw[c:]
		}
	}
	return sig, nil
}
