package srp

import (
	"crypto/sha512"
	"math/big"
)

// digest is H(p0 | p1 | ...), SHA-512 for HAP.
func digest(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func digestInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(digest(parts...))
}

// pad left-pads b with zeros to the modulus length.
func (g *group) pad(b []byte) []byte {
	res := make([]byte, g.Size())
	copy(res[len(res)-len(b):], b)
	return res
}

func (g *group) exp(base, e *big.Int) *big.Int {
	return new(big.Int).Exp(base, e, g.N)
}

// multiplier is k = H(N | Pad(g)).
func (g *group) multiplier() *big.Int {
	return digestInt(g.N.Bytes(), g.pad(g.G.Bytes()))
}

// privateKey is x = H(salt | H(username | ':' | password)).
func privateKey(salt []byte, username, password string) *big.Int {
	return digestInt(salt, digest([]byte(username), []byte(":"), []byte(password)))
}

// verifier is v = g^x.
func (g *group) verifier(x *big.Int) *big.Int {
	return g.exp(g.G, x)
}

// scrambler is u = H(Pad(A) | Pad(B)).
func (g *group) scrambler(A, B *big.Int) *big.Int {
	return digestInt(g.pad(A.Bytes()), g.pad(B.Bytes()))
}

// serverPublicKey is B = (k*v + g^b) % N.
func (g *group) serverPublicKey(b, v *big.Int) *big.Int {
	B := new(big.Int).Mul(g.k, v)
	B.Add(B, g.exp(g.G, b))
	return B.Mod(B, g.N)
}

// clientPublicKey is A = g^a.
func (g *group) clientPublicKey(a *big.Int) *big.Int {
	return g.exp(g.G, a)
}

// serverPremaster is S = (A * v^u)^b.
func (g *group) serverPremaster(A, b, B, v *big.Int) *big.Int {
	base := new(big.Int).Mul(A, g.exp(v, g.scrambler(A, B)))
	return g.exp(base, b)
}

// clientPremaster is S = (B - k*g^x)^(a + u*x).
func (g *group) clientPremaster(a, A, B, x *big.Int) *big.Int {
	base := new(big.Int).Mul(g.k, g.exp(g.G, x))
	base.Sub(B, base)
	base.Mod(base, g.N)
	e := new(big.Int).Mul(g.scrambler(A, B), x)
	e.Add(e, a)
	return g.exp(base, e)
}

// sessionKey is K = H(S).
func sessionKey(S *big.Int) []byte {
	return digest(S.Bytes())
}

// clientProof is M1 = H(H(N) xor H(g) | H(I) | s | A | B | K).
func (g *group) clientProof(salt []byte, username string, A, B, K []byte) []byte {
	hng := new(big.Int).Xor(digestInt(g.N.Bytes()), digestInt(g.G.Bytes()))
	return digest(hng.Bytes(), digest([]byte(username)), salt, A, B, K)
}

// serverProof is M2 = H(A | M1 | K).
func serverProof(A, M, K []byte) []byte {
	return digest(A, M, K)
}
