package solanarpc

import (
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/parallaxpay/parallaxpay/core"
)

// transferCheckedDataSize is the opcode, a little endian amount and decimals
const transferCheckedDataSize = 1 + 8 + 1

// TransferParams describes an SPL token payment
type TransferParams struct {
	Payer     string // wallet that owns the source token account
	Recipient string // wallet that owns the destination token account
	Mint      string
	FeePayer  string // defaults to Payer
	Amount    uint64
	Decimals  uint8
	Blockhash string
}

// BuildTransfer creates an unsigned transaction moving Amount of Mint
// between the associated token accounts of Payer and Recipient
func BuildTransfer(p TransferParams) (*solana.Transaction, error) {
	payer, err := solana.PublicKeyFromBase58(p.Payer)
	if err != nil {
		return nil, fmt.Errorf("invalid payer: %w", err)
	}
	recipient, err := solana.PublicKeyFromBase58(p.Recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(p.Mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint: %w", err)
	}
	feePayer := payer
	if p.FeePayer != "" {
		if feePayer, err = solana.PublicKeyFromBase58(p.FeePayer); err != nil {
			return nil, fmt.Errorf("invalid fee payer: %w", err)
		}
	}
	blockhash, err := solana.HashFromBase58(p.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("invalid blockhash: %w", err)
	}

	source, _, err := solana.FindAssociatedTokenAddress(payer, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source account: %w", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination account: %w", err)
	}

	inst, err := token.NewTransferCheckedInstruction(
		p.Amount,
		p.Decimals,
		source,
		mint,
		destination,
		payer,
		nil,
	).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{inst},
		blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	return tx, nil
}

// PartialSign adds the signature of key and leaves other signer slots as
// they are
func PartialSign(tx *solana.Transaction, key solana.PrivateKey) error {
	content, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	pub := key.PublicKey()
	idx := -1
	for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(pub) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%s is not a required signer", pub)
	}

	if len(tx.Signatures) == 0 {
		tx.Signatures = make([]solana.Signature, required)
	} else if len(tx.Signatures) != required {
		return fmt.Errorf("expected %d signatures, got %d", required, len(tx.Signatures))
	}

	sig, err := key.Sign(content)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}
	tx.Signatures[idx] = sig
	return nil
}

// DecodeTransaction parses a wire encoded transaction
func DecodeTransaction(raw []byte) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedProof, err)
	}
	return tx, nil
}

// Inspector implements ports.TransferInspector for SPL token transfers
type Inspector struct{}

// NewInspector creates a transfer inspector
func NewInspector() *Inspector {
	return &Inspector{}
}

// RecipientAccount derives the associated token account of owner for mint
func (Inspector) RecipientAccount(owner, mint string) (string, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", fmt.Errorf("invalid owner: %w", err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint: %w", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return "", fmt.Errorf("failed to derive token account: %w", err)
	}
	return ata.String(), nil
}

// InspectTransfer decodes the single TransferChecked instruction of raw
func (Inspector) InspectTransfer(raw []byte) (core.Transfer, error) {
	tx, err := DecodeTransaction(raw)
	if err != nil {
		return core.Transfer{}, err
	}

	keys := tx.Message.AccountKeys
	if len(keys) == 0 {
		return core.Transfer{}, fmt.Errorf("%w: transaction has no accounts", core.ErrMalformedProof)
	}

	var transfer *core.Transfer
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			return core.Transfer{}, fmt.Errorf("%w: program index out of range", core.ErrMalformedProof)
		}
		if !keys[inst.ProgramIDIndex].Equals(solana.TokenProgramID) {
			continue
		}
		data := inst.Data
		if len(data) != transferCheckedDataSize || data[0] != token.Instruction_TransferChecked {
			continue
		}
		if transfer != nil {
			return core.Transfer{}, fmt.Errorf("%w: more than one token transfer", core.ErrPriceMismatch)
		}
		if len(inst.Accounts) < 4 {
			return core.Transfer{}, fmt.Errorf("%w: transfer is missing accounts", core.ErrMalformedProof)
		}
		for _, idx := range inst.Accounts[:4] {
			if int(idx) >= len(keys) {
				return core.Transfer{}, fmt.Errorf("%w: account index out of range", core.ErrMalformedProof)
			}
		}

		transfer = &core.Transfer{
			Source:      keys[inst.Accounts[0]].String(),
			Mint:        keys[inst.Accounts[1]].String(),
			Destination: keys[inst.Accounts[2]].String(),
			Authority:   keys[inst.Accounts[3]].String(),
			FeePayer:    keys[0].String(),
			Amount:      binary.LittleEndian.Uint64(data[1:9]),
			Decimals:    data[9],
		}
		transfer.AuthoritySigned = signedBy(tx, keys[inst.Accounts[3]])
	}
	if transfer == nil {
		return core.Transfer{}, fmt.Errorf("%w: no token transfer found", core.ErrPriceMismatch)
	}

	if len(tx.Signatures) > 0 && tx.Signatures[0] != (solana.Signature{}) {
		transfer.Signature = tx.Signatures[0].String()
	}
	return *transfer, nil
}

func signedBy(tx *solana.Transaction, signer solana.PublicKey) bool {
	content, err := tx.Message.MarshalBinary()
	if err != nil {
		return false
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < required && i < len(tx.Message.AccountKeys) && i < len(tx.Signatures); i++ {
		if tx.Message.AccountKeys[i].Equals(signer) {
			return tx.Signatures[i].Verify(signer, content)
		}
	}
	return false
}
