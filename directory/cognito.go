package directory

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/tak-kam/cognito-dr/domain"
)

const (
	cognitoAttrEmail         = "email"
	cognitoAttrEmailVerified = "email_verified"
)

// CognitoAPI is the subset of the Cognito user pool API used by Cognito.
type CognitoAPI interface {
	AdminCreateUser(ctx context.Context, in *cip.AdminCreateUserInput, optFns ...func(*cip.Options)) (*cip.AdminCreateUserOutput, error)
	AdminUpdateUserAttributes(ctx context.Context, in *cip.AdminUpdateUserAttributesInput, optFns ...func(*cip.Options)) (*cip.AdminUpdateUserAttributesOutput, error)
	AdminDeleteUser(ctx context.Context, in *cip.AdminDeleteUserInput, optFns ...func(*cip.Options)) (*cip.AdminDeleteUserOutput, error)
}

// Cognito is a Directory backed by a Cognito user pool.
type Cognito struct {
	client     CognitoAPI
	userPoolID string
}

func NewCognito(client CognitoAPI, userPoolID string) *Cognito {
	return &Cognito{client: client, userPoolID: userPoolID}
}

// NewCognitoFromConfig builds a client for the pool using the default AWS
// credential chain. maxAttempts caps the SDK's own retries; zero keeps the SDK
// default.
func NewCognitoFromConfig(ctx context.Context, region, userPoolID string, maxAttempts int) (*Cognito, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := cip.NewFromConfig(cfg, func(o *cip.Options) {
		if maxAttempts > 0 {
			o.RetryMaxAttempts = maxAttempts
		}
	})
	return NewCognito(client, userPoolID), nil
}

// CreateIdentity creates the user without sending an invitation message.
func (c *Cognito) CreateIdentity(ctx context.Context, key string, attrs domain.Attributes) error {
	_, err := c.client.AdminCreateUser(ctx, &cip.AdminCreateUserInput{
		UserPoolId:     aws.String(c.userPoolID),
		Username:       aws.String(key),
		UserAttributes: cognitoAttributes(attrs),
		MessageAction:  types.MessageActionTypeSuppress,
	})
	return classifyCognitoError("create", key, err)
}

func (c *Cognito) UpdateIdentityAttributes(ctx context.Context, key string, attrs domain.Attributes) error {
	ua := cognitoAttributes(attrs)
	if len(ua) == 0 {
		return nil
	}
	_, err := c.client.AdminUpdateUserAttributes(ctx, &cip.AdminUpdateUserAttributesInput{
		UserPoolId:     aws.String(c.userPoolID),
		Username:       aws.String(key),
		UserAttributes: ua,
	})
	return classifyCognitoError("update", key, err)
}

func (c *Cognito) DeleteIdentity(ctx context.Context, key string) error {
	_, err := c.client.AdminDeleteUser(ctx, &cip.AdminDeleteUserInput{
		UserPoolId: aws.String(c.userPoolID),
		Username:   aws.String(key),
	})
	return classifyCognitoError("delete", key, err)
}

func cognitoAttributes(attrs domain.Attributes) []types.AttributeType {
	out := make([]types.AttributeType, 0, 2)
	if attrs.Email != "" {
		out = append(out, types.AttributeType{Name: aws.String(cognitoAttrEmail), Value: aws.String(attrs.Email)})
	}
	if attrs.Verified {
		out = append(out, types.AttributeType{Name: aws.String(cognitoAttrEmailVerified), Value: aws.String("true")})
	}
	return out
}

func classifyCognitoError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var (
		exists    *types.UsernameExistsException
		notFound  *types.UserNotFoundException
		throttled *types.TooManyRequestsException
		limited   *types.LimitExceededException
		internal  *types.InternalErrorException
		sendErr   *smithyhttp.RequestSendError
		apiErr    smithy.APIError
	)
	kind := KindTransient
	switch {
	case errors.As(err, &exists):
		kind = KindAlreadyExists
	case errors.As(err, &notFound):
		kind = KindNotFound
	case errors.As(err, &throttled), errors.As(err, &limited), errors.As(err, &internal):
		kind = KindTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTransient
	case errors.As(err, &sendErr):
		kind = KindUnavailable
	case errors.As(err, &apiErr):
		switch {
		case apiErr.ErrorCode() == "ThrottlingException":
			kind = KindTransient
		case apiErr.ErrorFault() == smithy.FaultServer:
			kind = KindTransient
		default:
			kind = KindPermanent
		}
	}
	return &Error{Op: op, Key: key, Kind: kind, Err: err}
}
