package params

// NetworkID names the network. It prefixes protocol ids and the data
// directory so nodes of different networks never mix state.
const NetworkID = "minichain"

// AddressVersion is the version byte prepended to the public-key hash in
// base58check addresses.
const AddressVersion byte = 0x00

// AddressChecksumLen is the length of the double-SHA256 address checksum.
const AddressChecksumLen = 4

// PubKeyHashLen is the length of RIPEMD160(SHA256(pubkey)).
const PubKeyHashLen = 20
